package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// MockOutput is an Output that drains voices in the background and keeps the
// rendered samples. It is used by tests here and in the packages built on
// the engine.
type MockOutput struct {
	rate int

	mu     sync.Mutex
	voices []*MockVoice
	hold   bool
}

// NewMockOutput creates a mock device running at rate.
func NewMockOutput(rate int) *MockOutput {
	return &MockOutput{rate: rate}
}

// SampleRate returns the configured rate.
func (m *MockOutput) SampleRate() int {
	return m.rate
}

// Hold makes new voices stop after their first read so that playback stays in
// progress until Release or Stop.
func (m *MockOutput) Hold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// NewVoice creates a voice reading from r.
func (m *MockOutput) NewVoice(r io.Reader) Voice {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &MockVoice{r: r, hold: m.hold, release: make(chan struct{})}
	m.voices = append(m.voices, v)
	return v
}

// Voices returns every voice created so far.
func (m *MockOutput) Voices() []*MockVoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockVoice(nil), m.voices...)
}

// MockVoice records what it read.
type MockVoice struct {
	r    io.Reader
	hold bool

	mu      sync.Mutex
	data    []byte
	playing bool
	started bool
	closed  bool
	release chan struct{}
	once    sync.Once
}

// Play starts draining the reader.
func (v *MockVoice) Play() {
	v.mu.Lock()
	if v.started || v.closed {
		v.mu.Unlock()
		return
	}
	v.started = true
	v.playing = true
	v.mu.Unlock()

	go v.drain()
}

func (v *MockVoice) drain() {
	buf := make([]byte, 512)
	first := true
	for {
		if v.hold && !first {
			<-v.release
		}
		first = false

		n, err := v.r.Read(buf)
		v.mu.Lock()
		v.data = append(v.data, buf[:n]...)
		v.mu.Unlock()
		if err != nil {
			break
		}
	}

	v.mu.Lock()
	v.playing = false
	v.mu.Unlock()
}

// Release lets a held voice finish.
func (v *MockVoice) Release() {
	v.once.Do(func() { close(v.release) })
}

// Pause marks the voice as not playing.
func (v *MockVoice) Pause() {
	v.Release()
}

// IsPlaying reports whether the reader is still being drained.
func (v *MockVoice) IsPlaying() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

// Close closes the voice.
func (v *MockVoice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("voice already closed")
	}
	v.closed = true
	v.Release()
	return nil
}

// Closed reports whether Close was called.
func (v *MockVoice) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Samples returns the rendered 16-bit samples.
func (v *MockVoice) Samples() []int16 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]int16, len(v.data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(v.data[i*2:])) //nolint:gosec
	}
	return out
}

var _ Output = (*MockOutput)(nil)
