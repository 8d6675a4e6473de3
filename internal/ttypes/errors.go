package ttypes

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the transport-level shape of a synthesis failure.
type ErrorKind string

const (
	ErrorKindNetwork    ErrorKind = "NETWORK"
	ErrorKindTimeout    ErrorKind = "TIMEOUT"
	ErrorKindHTTPStatus ErrorKind = "HTTP_STATUS"
	ErrorKindEnvelope   ErrorKind = "ENVELOPE"
)

// SynthesisError represents a failed backend call with enough context to
// classify it for retry.
type SynthesisError struct {
	Kind   ErrorKind
	Status int    // HTTP status, or envelope code for ErrorKindEnvelope
	Body   string // response body or server message
	Cause  error
}

// Error implements the error interface
func (e *SynthesisError) Error() string {
	switch e.Kind {
	case ErrorKindHTTPStatus, ErrorKindEnvelope:
		if e.Body != "" {
			return fmt.Sprintf("%s %d: %s", e.Kind, e.Status, e.Body)
		}
		return fmt.Sprintf("%s %d", e.Kind, e.Status)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error
func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// NetworkError wraps a transport failure.
func NetworkError(cause error) *SynthesisError {
	return &SynthesisError{Kind: ErrorKindNetwork, Cause: cause}
}

// TimeoutError wraps a deadline failure.
func TimeoutError(cause error) *SynthesisError {
	return &SynthesisError{Kind: ErrorKindTimeout, Cause: cause}
}

// HTTPStatusError describes a non-success HTTP response.
func HTTPStatusError(status int, body string) *SynthesisError {
	return &SynthesisError{Kind: ErrorKindHTTPStatus, Status: status, Body: body}
}

// AsSynthesisError extracts a *SynthesisError from err's chain.
func AsSynthesisError(err error) (*SynthesisError, bool) {
	var se *SynthesisError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
