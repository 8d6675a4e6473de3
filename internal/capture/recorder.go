// Package capture records microphone audio for speech recognition.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

const (
	// DefaultSampleRate is what the recognizer expects.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per uploaded block.
	DefaultFrameSize = 4096

	readSize = 1024
)

// ErrRecording is returned by Start while a recording is in progress.
var ErrRecording = errors.New("already recording")

// Config contains recorder settings.
type Config struct {
	SampleRate int
	FrameSize  int
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{SampleRate: DefaultSampleRate, FrameSize: DefaultFrameSize}
}

// Recorder captures mono audio from the default input device. Each full
// block is encoded as 16-bit PCM and passed to the callback; the whole take
// is kept until Stop.
type Recorder struct {
	config Config

	mu     sync.Mutex
	take   []int16
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates an idle recorder.
func NewRecorder(config Config) (*Recorder, error) {
	if config.SampleRate == 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.FrameSize == 0 {
		config.FrameSize = DefaultFrameSize
	}
	if config.SampleRate < 8000 || config.SampleRate > 48000 {
		return nil, fmt.Errorf("sample rate must be between 8000 and 48000 Hz, got %d", config.SampleRate)
	}
	if config.FrameSize < readSize {
		return nil, fmt.Errorf("frame size must be at least %d samples", readSize)
	}
	return &Recorder{config: config}, nil
}

// Start opens the input device and begins capturing. onAudio runs on the
// capture goroutine and must not block for long.
func (r *Recorder) Start(ctx context.Context, onAudio func(pcm []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrRecording
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init failed: %w", err)
	}

	in := make([]float32, readSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(r.config.SampleRate), len(in), in)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start stream failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.take = nil

	go func() {
		defer close(r.done)
		defer func() {
			_ = stream.Stop()
			_ = stream.Close()
			_ = portaudio.Terminate()
		}()
		r.loop(ctx, stream, in, onAudio)
	}()

	log.Debug("Capture: recording", "rate", r.config.SampleRate, "frame", r.config.FrameSize)
	return nil
}

func (r *Recorder) loop(ctx context.Context, stream *portaudio.Stream, in []float32, onAudio func([]byte)) {
	framer := NewFramer(r.config.FrameSize)
	emit := func(block []float32) {
		r.keep(block)
		if onAudio != nil {
			onAudio(EncodePCM16(block))
		}
	}

	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				log.Debug("Capture: input overflowed")
				continue
			}
			log.Error("Capture: read failed", "error", err)
			break
		}
		for _, block := range framer.Push(in) {
			emit(block)
		}
	}

	if block := framer.Flush(); block != nil {
		emit(block)
	}
}

func (r *Recorder) keep(block []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range block {
		r.take = append(r.take, toInt16(s))
	}
}

// Stop ends the recording and returns the captured samples.
func (r *Recorder) Stop() []int16 {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	take := r.take
	r.take = nil
	r.cancel = nil
	r.done = nil
	log.Debug("Capture: stopped", "samples", len(take))
	return take
}

// Recording reports whether capture is running.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// SampleRate returns the capture rate.
func (r *Recorder) SampleRate() int {
	return r.config.SampleRate
}
