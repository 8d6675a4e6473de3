package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Output is an audio device that can start voices reading 16-bit signed
// little-endian mono PCM.
type Output interface {
	SampleRate() int
	NewVoice(r io.Reader) Voice
}

// Voice is one playing stream on an Output.
type Voice interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// OutputConfig contains configuration for the device output.
type OutputConfig struct {
	SampleRate int
	BufferSize int // bytes
}

// DefaultOutputConfig returns the default output configuration.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		SampleRate: 48000,
		BufferSize: 4096,
	}
}

// OtoOutput is the oto-backed Output. There is one per process: oto only
// allows a single context.
type OtoOutput struct {
	context    *oto.Context
	sampleRate int
}

// NewOtoOutput opens the default audio device.
func NewOtoOutput(config OutputConfig) (*OtoOutput, error) {
	if config.SampleRate < 8000 || config.SampleRate > 192000 {
		return nil, fmt.Errorf("sample rate must be between 8000 and 192000 Hz, got %d", config.SampleRate)
	}
	if config.BufferSize <= 0 {
		return nil, errors.New("buffer size must be positive")
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(config.BufferSize) * time.Second / time.Duration(config.SampleRate*2),
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	return &OtoOutput{context: ctx, sampleRate: config.SampleRate}, nil
}

// SampleRate returns the device rate.
func (o *OtoOutput) SampleRate() int {
	return o.sampleRate
}

// NewVoice creates a paused oto player reading from r.
func (o *OtoOutput) NewVoice(r io.Reader) Voice {
	return o.context.NewPlayer(r)
}

var _ Output = (*OtoOutput)(nil)
