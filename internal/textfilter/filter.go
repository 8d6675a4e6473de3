// Package textfilter decides whether a sentence is worth sending to the
// synthesis backend and strips the markup that would otherwise be read out
// loud.
package textfilter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Reasons reported by Validate.
const (
	ReasonTooShort         = "text too short"
	ReasonNoLetters        = "only symbols, digits or emoji"
	ReasonTooShortFiltered = "text too short after filtering"
)

// minLength is the shortest text, in characters, that is ever synthesized.
const minLength = 2

var (
	markupSymbols = regexp.MustCompile(`[*#()\[\]{}「」【】～✨❤️★☆]`)
	emojiRanges   = regexp.MustCompile(`[\x{1F300}-\x{1F9FF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}]`)
	whitespace    = regexp.MustCompile(`[\s\p{Zs}\x{FEFF}]+`)
	onlyNumSym    = regexp.MustCompile(`^[\d.,!?\s\p{Zs}\-+%()]+$`)

	speakable = regexp.MustCompile(`[\x{4e00}-\x{9fa5}a-zA-Z]`)

	mdBold    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	mdItalic  = regexp.MustCompile(`\*(.*?)\*`)
	mdCode    = regexp.MustCompile("`(.*?)`")
	mdStrike  = regexp.MustCompile(`~~(.*?)~~`)
	mdHeading = regexp.MustCompile(`#{1,6}\s*`)
	mdImage   = regexp.MustCompile(`!\[.*?\]\(.*?\)`)
	mdLink    = regexp.MustCompile(`\[(.*?)\]\(.*?\)`)
)

// Filter removes markup symbols and emoji from raw. It reports false when
// nothing speakable is left.
func Filter(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if utf8.RuneCountInString(text) < minLength {
		return "", false
	}

	text = markupSymbols.ReplaceAllString(text, "")
	text = emojiRanges.ReplaceAllString(text, "")
	text = collapse(text)

	if onlyNumSym.MatchString(text) || utf8.RuneCountInString(text) < minLength {
		return "", false
	}
	return text, true
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Reason string
	Text   string
}

// Validate checks that text contains letters and converts any markdown left
// in it to plain text.
func Validate(text string) Result {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < minLength {
		return Result{Reason: ReasonTooShort}
	}
	if !speakable.MatchString(trimmed) {
		return Result{Reason: ReasonNoLetters}
	}

	out := mdBold.ReplaceAllString(trimmed, "$1")
	out = mdItalic.ReplaceAllString(out, "$1")
	out = mdCode.ReplaceAllString(out, "$1")
	out = mdStrike.ReplaceAllString(out, "$1")
	out = mdHeading.ReplaceAllString(out, "")
	out = mdImage.ReplaceAllString(out, "")
	out = mdLink.ReplaceAllString(out, "$1")
	out = stripDecorative(out)
	out = collapse(out)

	if utf8.RuneCountInString(out) < minLength {
		return Result{Reason: ReasonTooShortFiltered}
	}
	return Result{Valid: true, Text: out}
}

// Speakable runs Filter then Validate and returns the text to synthesize.
func Speakable(raw string) (string, bool) {
	filtered, ok := Filter(raw)
	if !ok {
		return "", false
	}
	res := Validate(filtered)
	if !res.Valid {
		return "", false
	}
	return res.Text, true
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
