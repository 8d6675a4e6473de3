// Package ttypes contains shared types and interfaces for the voice pipeline.
// This package is used to break import cycles between synth, audio, queue and
// the voice controller.
package ttypes

import (
	"context"
	"sync"
	"time"
)

// SynthesisState tracks where a queued utterance is in its synthesis lifecycle.
type SynthesisState int

const (
	// SynthesisNotStarted indicates no synthesis request has been made yet
	SynthesisNotStarted SynthesisState = iota

	// SynthesisInProgress indicates a request is in flight
	SynthesisInProgress

	// SynthesisDone indicates audio is available
	SynthesisDone

	// SynthesisFailed indicates synthesis finished without audio
	SynthesisFailed
)

// String returns the string representation of the state
func (s SynthesisState) String() string {
	switch s {
	case SynthesisNotStarted:
		return "not-started"
	case SynthesisInProgress:
		return "in-progress"
	case SynthesisDone:
		return "done"
	case SynthesisFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the state is terminal.
func (s SynthesisState) Settled() bool {
	return s == SynthesisDone || s == SynthesisFailed
}

// AudioPayload is an encoded audio blob returned by the synthesis backend.
type AudioPayload struct {
	// Data holds the encoded bytes (usually WAV)
	Data []byte

	// ContentType is the MIME type reported by the server, if any
	ContentType string

	// SourceURL is where the audio was fetched from
	SourceURL string

	// Chunk marks one piece of a continuous stream. Chunks are played
	// without fades so that consecutive pieces join up.
	Chunk bool
}

// Empty reports whether the payload carries no audio.
func (p AudioPayload) Empty() bool {
	return len(p.Data) == 0
}

// QueueItem is a snapshot of one utterance in the TTS queue.
type QueueItem struct {
	ID        string
	Text      string
	SpeakerID int64
	IsFirst   bool
	State     SynthesisState
	Enqueued  time.Time
}

// Synthesizer turns text into audio. A false second return value means
// "no audio" and is not an error.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, speakerID int64) (AudioPayload, bool, error)
}

// Player renders a payload to the audio device, blocking until playback
// ends or is stopped.
type Player interface {
	Play(ctx context.Context, payload AudioPayload) error
	Stop()
	IsPlaying() bool
}

// RuntimeState is process-scoped playback state shared between the playback
// engine and the synthesis client.
type RuntimeState struct {
	mu               sync.Mutex
	throttleAttempts int
	firstPlayDone    bool
}

// NewRuntimeState returns a fresh runtime state.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{}
}

// ThrottleAttempts returns the current throttle retry counter.
func (s *RuntimeState) ThrottleAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttleAttempts
}

// NextThrottleAttempt increments the throttle counter and returns the new
// value.
func (s *RuntimeState) NextThrottleAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttleAttempts++
	return s.throttleAttempts
}

// ResetThrottle zeroes the throttle counter.
func (s *RuntimeState) ResetThrottle() {
	s.mu.Lock()
	s.throttleAttempts = 0
	s.mu.Unlock()
}

// MarkFirstPlay flips the first-play flag and reports whether this call was
// the one that flipped it.
func (s *RuntimeState) MarkFirstPlay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstPlayDone {
		return false
	}
	s.firstPlayDone = true
	return true
}

// FirstPlayDone reports whether a playback has ever started.
func (s *RuntimeState) FirstPlayDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstPlayDone
}
