// Package sse decodes the line-oriented event streams produced by the
// backend's chat and speech endpoints.
//
// The backend bends the EventSource format: lines may repeat the data:
// prefix, errors arrive as "data: error:<msg>", and completion is signalled
// either by "data: [DONE]" or by an "event: close" / "event: end" line.
package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// Kind identifies what a decoded line carries.
type Kind int

const (
	// KindData is a data payload
	KindData Kind = iota

	// KindDone is the [DONE] marker
	KindDone

	// KindError is an inline "error:" message
	KindError

	// KindEvent is an "event:" line
	KindEvent
)

// Event is one meaningful line of the stream.
type Event struct {
	Kind Kind
	Data string // payload, error message or event name
}

// Closing reports whether the event ends the stream.
func (e Event) Closing() bool {
	switch e.Kind {
	case KindDone:
		return true
	case KindEvent:
		return e.Data == "close" || e.Data == "end"
	default:
		return false
	}
}

const (
	prefixData  = "data:"
	prefixEvent = "event:"
	prefixError = "error:"
	markerDone  = "[DONE]"
)

// Decoder splits arbitrary chunks into lines, holding back a trailing partial
// line until the rest of it arrives.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns the events completed by it.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if ev, ok := ParseLine(line); ok {
			events = append(events, ev)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush returns the event held in an unterminated final line, if any.
func (d *Decoder) Flush() []Event {
	line := string(d.buf)
	d.buf = nil
	if ev, ok := ParseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// ParseLine interprets a single line. Blank lines, comments, empty data lines
// and unknown fields yield ok == false.
func ParseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	switch {
	case strings.HasPrefix(line, prefixData):
		content := strings.TrimSpace(line[len(prefixData):])
		for strings.HasPrefix(content, prefixData) {
			content = strings.TrimSpace(content[len(prefixData):])
		}
		switch {
		case content == markerDone:
			return Event{Kind: KindDone}, true
		case strings.HasPrefix(content, prefixError):
			return Event{Kind: KindError, Data: content[len(prefixError):]}, true
		case content == "":
			return Event{}, false
		default:
			return Event{Kind: KindData, Data: content}, true
		}
	case strings.HasPrefix(line, prefixEvent):
		return Event{Kind: KindEvent, Data: strings.TrimSpace(line[len(prefixEvent):])}, true
	default:
		return Event{}, false
	}
}

// Scan reads r until EOF, a closing event, ctx cancellation, or fn returning
// false. Every event, closing ones included, is passed to fn.
func Scan(ctx context.Context, r io.Reader, fn func(Event) bool) error {
	var dec Decoder
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if !fn(ev) || ev.Closing() {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range dec.Flush() {
				if !fn(ev) || ev.Closing() {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
