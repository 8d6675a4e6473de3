package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/charmbracelet/log"
)

var (
	// ErrEmptyPayload is returned when Play is given no audio
	ErrEmptyPayload = errors.New("audio payload is empty")

	// ErrEngineClosed is returned after Close
	ErrEngineClosed = errors.New("playback engine is closed")
)

// Config contains playback settings.
type Config struct {
	FadeIn         time.Duration
	FadeOut        time.Duration
	FirstPlayDelay time.Duration
	RawSampleRate  int // rate assumed for container-less PCM
	PollInterval   time.Duration
	Volume         float64
}

// DefaultConfig returns the default playback configuration.
func DefaultConfig() Config {
	return Config{
		FadeIn:         80 * time.Millisecond,
		FadeOut:        50 * time.Millisecond,
		FirstPlayDelay: 2 * time.Second,
		RawSampleRate:  24000,
		PollInterval:   20 * time.Millisecond,
		Volume:         1,
	}
}

// Engine plays one utterance at a time.
type Engine struct {
	output  Output
	runtime *ttypes.RuntimeState
	config  Config

	volume atomic.Uint64 // math.Float64bits

	mu      sync.Mutex
	current *graph
	closed  bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine rendering to output. The runtime state is
// shared with the synthesis client and carries the first-play flag.
func NewEngine(output Output, runtime *ttypes.RuntimeState, config Config) (*Engine, error) {
	if output == nil {
		return nil, errors.New("output cannot be nil")
	}
	if runtime == nil {
		return nil, errors.New("runtime state cannot be nil")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RawSampleRate <= 0 {
		config.RawSampleRate = DefaultConfig().RawSampleRate
	}

	e := &Engine{
		output:  output,
		runtime: runtime,
		config:  config,
		sleep:   sleepCtx,
	}
	e.SetVolume(config.Volume)
	return e, nil
}

// Play renders payload and returns once it has finished, was stopped, or ctx
// is done. Any utterance still playing is stopped first, unless ctx is
// already done.
func (e *Engine) Play(ctx context.Context, payload ttypes.AudioPayload) error {
	if payload.Empty() {
		return ErrEmptyPayload
	}
	if e.isClosed() {
		return ErrEngineClosed
	}

	if e.runtime.MarkFirstPlay() && e.config.FirstPlayDelay > 0 {
		log.Debug("Playback: warming up before first utterance", "delay", e.config.FirstPlayDelay)
		if err := e.sleep(ctx, e.config.FirstPlayDelay); err != nil {
			return err
		}
	}

	// a cancelled caller must not tear down a newer utterance
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Stop()

	c, err := decode(payload.Data, e.config.RawSampleRate)
	if err != nil {
		return fmt.Errorf("unable to decode audio: %w", err)
	}
	c = resample(c, e.output.SampleRate())
	if len(c.samples) == 0 {
		return ErrEmptyPayload
	}

	g := e.build(c, payload.Chunk)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.current = g
	e.mu.Unlock()

	log.Debug("Playback: started", "duration", time.Duration(c.duration()*float64(time.Second)))
	g.voice.Play()

	return e.wait(ctx, g)
}

// build connects source -> gain -> output. Stream chunks skip the fade
// envelope.
func (e *Engine) build(c clip, chunk bool) *graph {
	rate := float64(e.output.SampleRate())
	fadeIn, fadeOut := int(e.config.FadeIn.Seconds()*rate), int(e.config.FadeOut.Seconds()*rate)
	if chunk {
		fadeIn, fadeOut = 0, 0
	}
	src := &gainSource{
		samples:     c.samples,
		fadeIn:      fadeIn,
		fadeOut:     fadeOut,
		volume:      e.Volume,
		stopped:     &atomic.Bool{},
		fadeOutFrom: len(c.samples) - fadeOut,
	}
	return &graph{
		source: src,
		voice:  e.output.NewVoice(src),
		done:   make(chan struct{}),
	}
}

func (e *Engine) wait(ctx context.Context, g *graph) error {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.release(g)
			return ctx.Err()
		case <-g.done:
			return nil
		case <-ticker.C:
			if g.source.exhausted() && !g.voice.IsPlaying() {
				e.release(g)
				log.Debug("Playback: finished")
				return nil
			}
		}
	}
}

// release disconnects g and clears it as current if it still is.
func (e *Engine) release(g *graph) {
	e.mu.Lock()
	if e.current == g {
		e.current = nil
	}
	e.mu.Unlock()
	g.teardown()
}

// Stop halts the current utterance, if any. A pending Play returns nil.
func (e *Engine) Stop() {
	e.mu.Lock()
	g := e.current
	e.current = nil
	e.mu.Unlock()

	if g != nil {
		log.Debug("Playback: stopped")
		g.teardown()
	}
}

// IsPlaying reports whether an utterance graph is active.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// SetVolume sets the output gain, clamped to [0, 1]. It applies to the
// utterance currently playing as well.
func (e *Engine) SetVolume(v float64) {
	if math.IsNaN(v) {
		v = 0
	}
	v = max(0, min(1, v))
	e.volume.Store(math.Float64bits(v))
}

// Volume returns the current gain.
func (e *Engine) Volume() float64 {
	return math.Float64frombits(e.volume.Load())
}

// Close stops playback and rejects further Play calls.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.Stop()
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// graph is one utterance wired to the output.
type graph struct {
	source *gainSource
	voice  Voice
	done   chan struct{}
	once   sync.Once
}

func (g *graph) teardown() {
	g.once.Do(func() {
		g.source.stopped.Store(true)
		g.voice.Pause()
		_ = g.voice.Close()
		close(g.done)
	})
}

// gainSource renders samples as 16-bit PCM, applying a linear fade-in, a
// linear fade-out over the tail and the live volume.
type gainSource struct {
	samples     []float32
	pos         atomic.Int64
	fadeIn      int
	fadeOut     int
	fadeOutFrom int
	volume      func() float64
	stopped     *atomic.Bool
}

// envelope returns the fade gain at sample i.
func (s *gainSource) envelope(i int) float64 {
	g := 1.0
	if s.fadeIn > 0 && i < s.fadeIn {
		g = float64(i) / float64(s.fadeIn)
	}
	if s.fadeOut > 0 && i >= s.fadeOutFrom {
		remaining := float64(len(s.samples)-i) / float64(s.fadeOut)
		g = min(g, remaining)
	}
	return max(0, g)
}

func (s *gainSource) Read(p []byte) (int, error) {
	if s.stopped.Load() {
		return 0, io.EOF
	}

	vol := s.volume()
	pos := int(s.pos.Load())
	n := 0
	for n+1 < len(p) && pos < len(s.samples) {
		v := float64(s.samples[pos]) * s.envelope(pos) * vol
		v = max(-1, min(1, v))
		var out int16
		if v < 0 {
			out = int16(v * 32768)
		} else {
			out = int16(v * 32767)
		}
		binary.LittleEndian.PutUint16(p[n:], uint16(out)) //nolint:gosec
		n += 2
		pos++
	}
	s.pos.Store(int64(pos))

	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *gainSource) exhausted() bool {
	return s.stopped.Load() || int(s.pos.Load()) >= len(s.samples)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ ttypes.Player = (*Engine)(nil)
