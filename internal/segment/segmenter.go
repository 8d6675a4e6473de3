// Package segment splits streamed assistant text into sentences small enough
// to synthesize one at a time.
package segment

import (
	"strings"
	"unicode"
)

// DefaultMaxRunes is the longest sentence the synthesis backend accepts.
const DefaultMaxRunes = 580

// Sentence is one segment ready for synthesis.
type Sentence struct {
	Text string

	// IsFirst marks the first sentence of a turn.
	IsFirst bool
}

// Segmenter accumulates text chunks and emits complete sentences. It is not
// safe for concurrent use.
type Segmenter struct {
	maxRunes int
	buf      []rune
	emitted  bool
	inFence  bool
}

// New creates a segmenter. A non-positive maxRunes uses DefaultMaxRunes.
func New(maxRunes int) *Segmenter {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &Segmenter{maxRunes: maxRunes}
}

// Push appends chunk and returns the sentences it completed.
func (s *Segmenter) Push(chunk string) []Sentence {
	s.buf = append(s.buf, []rune(chunk)...)

	var out []Sentence
	start := 0
	for i := 0; i < len(s.buf); i++ {
		end, ok := s.boundary(start, i)
		if !ok {
			continue
		}
		out = append(out, s.emit(string(s.buf[start:end]))...)
		start = end
		i = end - 1
	}

	s.buf = append(s.buf[:0], s.buf[start:]...)
	return out
}

// Flush emits whatever text is left.
func (s *Segmenter) Flush() []Sentence {
	rest := string(s.buf)
	s.buf = s.buf[:0]
	return s.emit(rest)
}

// Reset starts a new turn: pending text is dropped and the next sentence is
// flagged as first.
func (s *Segmenter) Reset() {
	s.buf = s.buf[:0]
	s.emitted = false
	s.inFence = false
}

// boundary reports whether a sentence ends at rune i of the buffer and where
// the next one starts.
func (s *Segmenter) boundary(start, i int) (int, bool) {
	switch s.buf[i] {
	case '。', '！', '？', '!', '?', '；', ';', '\n':
		return i + 1, true
	case '.':
		if i+1 >= len(s.buf) {
			return 0, false // wait for the next rune
		}
		if !unicode.IsSpace(s.buf[i+1]) || listMarker(s.buf[start:i]) {
			return 0, false
		}
		return i + 1, true
	default:
		return 0, false
	}
}

// listMarker reports whether prefix is just the number of an ordered list
// item such as "2".
func listMarker(prefix []rune) bool {
	p := strings.TrimSpace(string(prefix))
	if p == "" {
		return false
	}
	for _, r := range p {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (s *Segmenter) emit(raw string) []Sentence {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
		s.inFence = !s.inFence
		return nil
	}
	if s.inFence || trimmed == "" {
		return nil
	}

	plain := StripMarkdown(trimmed)
	if plain == "" {
		return nil
	}

	var out []Sentence
	for _, part := range SplitLong(plain, s.maxRunes) {
		out = append(out, Sentence{Text: part, IsFirst: !s.emitted})
		s.emitted = true
	}
	return out
}

// SplitLong breaks text longer than maxRunes after commas and semicolons,
// packing consecutive parts up to the limit. Parts that are still too long
// are cut every maxRunes runes.
func SplitLong(text string, maxRunes int) []string {
	if maxRunes <= 0 || len([]rune(text)) <= maxRunes {
		return []string{text}
	}

	var out []string
	var current []rune
	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			out = append(out, s)
		}
		current = current[:0]
	}

	for _, part := range splitAfter(text, "，；,;") {
		p := []rune(part)
		if len(current)+len(p) <= maxRunes {
			current = append(current, p...)
			continue
		}
		flush()
		if len(p) <= maxRunes {
			current = append(current, p...)
			continue
		}
		for len(p) > maxRunes {
			out = append(out, string(p[:maxRunes]))
			p = p[maxRunes:]
		}
		current = append(current, p...)
	}
	flush()
	return out
}

// splitAfter splits text after every rune in seps, keeping the separators.
func splitAfter(text, seps string) []string {
	var parts []string
	last := 0
	for i, r := range text {
		if strings.ContainsRune(seps, r) {
			end := i + len(string(r))
			parts = append(parts, text[last:end])
			last = end
		}
	}
	if last < len(text) {
		parts = append(parts, text[last:])
	}
	return parts
}

// Split segments a complete text.
func Split(text string, maxRunes int) []string {
	s := New(maxRunes)
	sentences := append(s.Push(text), s.Flush()...)
	out := make([]string, len(sentences))
	for i, sentence := range sentences {
		out[i] = sentence.Text
	}
	return out
}
