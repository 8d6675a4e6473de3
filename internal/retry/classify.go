package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/carolrp/voicepipe/internal/ttypes"
)

// Class is the retry decision for a failed attempt.
type Class int

const (
	// ClassRetryable errors are retried with exponential backoff and
	// surfaced once attempts run out.
	ClassRetryable Class = iota

	// ClassThrottled errors are retried with backoff, then dropped.
	ClassThrottled

	// ClassContentRejected means the server refused the text itself.
	// Dropped immediately.
	ClassContentRejected

	// ClassClientError covers any other 400. Dropped immediately.
	ClassClientError

	// ClassFatal errors (401/403/404, cancellation) are surfaced immediately.
	ClassFatal
)

// String returns the string representation of the class
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassThrottled:
		return "throttled"
	case ClassContentRejected:
		return "content-rejected"
	case ClassClientError:
		return "client-error"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// unsuitableMarkers appear in 400 bodies when the synthesis provider refuses
// the text.
var unsuitableMarkers = []string{"不适合语音合成", "not suitable for synthesis"}

// statusInText finds an HTTP status code quoted in an error message, as in
// "TTS请求失败: 400 | bad voice".
var statusInText = regexp.MustCompile(`\b([45]\d\d)\b`)

// Classify maps an error to its retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	if se, ok := ttypes.AsSynthesisError(err); ok {
		switch se.Kind {
		case ttypes.ErrorKindNetwork, ttypes.ErrorKindTimeout:
			return ClassRetryable
		case ttypes.ErrorKindHTTPStatus:
			return classifyStatus(se.Status, se.Body)
		case ttypes.ErrorKindEnvelope:
			return classifyMessage(se.Body)
		default:
			return ClassRetryable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int, body string) Class {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusTooManyRequests,
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "throttling"):
		return ClassThrottled
	case status == http.StatusBadRequest && containsAny(body, unsuitableMarkers):
		return ClassContentRejected
	case status == http.StatusBadRequest:
		return ClassClientError
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return ClassFatal
	default:
		// 5xx and anything unexpected
		return ClassRetryable
	}
}

// classifyMessage handles untyped errors by inspecting their text. A status
// code found in the text is classified like a typed status error.
func classifyMessage(msg string) Class {
	if m := statusInText.FindStringSubmatch(msg); m != nil {
		if status, err := strconv.Atoi(m[1]); err == nil {
			return classifyStatus(status, msg)
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "throttling"):
		return ClassThrottled
	case containsAny(msg, unsuitableMarkers):
		return ClassContentRejected
	default:
		// network, timeout, fetch and anything unrecognized
		return ClassRetryable
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
