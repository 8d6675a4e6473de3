// Package voice wires the synthesis, playback and recognition components
// into the single surface a UI drives.
package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/carolrp/voicepipe/internal/asr"
	"github.com/carolrp/voicepipe/internal/audio"
	"github.com/carolrp/voicepipe/internal/cache"
	"github.com/carolrp/voicepipe/internal/config"
	"github.com/carolrp/voicepipe/internal/metrics"
	"github.com/carolrp/voicepipe/internal/queue"
	"github.com/carolrp/voicepipe/internal/ratelimit"
	"github.com/carolrp/voicepipe/internal/retry"
	"github.com/carolrp/voicepipe/internal/synth"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/charmbracelet/log"
)

// ErrControllerClosed is returned by operations attempted after Close.
var ErrControllerClosed = errors.New("voice controller closed")

// Options supplies the pieces that differ between a real terminal session
// and tests.
type Options struct {
	// Output renders audio. Nil opens the default device.
	Output audio.Output

	// HTTPClient is used for every backend request. Nil creates one client
	// with the configured timeout for synthesis and one without a timeout
	// for the recognition stream.
	HTTPClient *http.Client

	Metrics *metrics.Metrics
}

// Stats summarizes the pipeline.
type Stats struct {
	Queue       queue.Stats
	MemoryCache cache.Stats
	DiskCache   cache.Stats
	FirstPlayed bool
	Recognizing bool
	Volume      float64
}

// Controller owns one synthesis pipeline and one recognition session.
type Controller struct {
	cfg config.Config

	runtime *ttypes.RuntimeState
	synth   *synth.Client
	cache   *cache.Manager // nil when disabled
	engine  *audio.Engine
	queue   *queue.Orchestrator
	asr     *asr.Session
	asrOpts asr.Options

	mu        sync.RWMutex
	onPartial func(text string)
	onFinal   func(text string)
	onError   func(msg string)
	closed    bool
}

// New builds a controller from cfg. The configuration is expected to be
// validated already.
func New(cfg config.Config, opts Options) (*Controller, error) {
	synthHTTP, streamHTTP := opts.HTTPClient, opts.HTTPClient
	if synthHTTP == nil {
		synthHTTP = &http.Client{Timeout: cfg.API.Timeout}
		streamHTTP = &http.Client{}
	}

	synthTransport, err := transport.New(cfg.Transport(), synthHTTP)
	if err != nil {
		return nil, err
	}
	streamTransport, err := transport.New(cfg.Transport(), streamHTTP)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(cfg.RateLimit())
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	executor, err := retry.NewExecutor(cfg.RetryPolicy())
	if err != nil {
		return nil, fmt.Errorf("failed to create retry executor: %w", err)
	}

	c := &Controller{cfg: cfg, runtime: ttypes.NewRuntimeState()}

	c.synth, err = synth.NewClient(synthTransport, limiter, executor, c.runtime, cfg.Synth())
	if err != nil {
		return nil, err
	}
	c.synth.SetMetrics(opts.Metrics)
	c.synth.SetStreamTransport(streamTransport)

	if cc := cfg.Cache(); cc.Enabled {
		c.cache, err = cache.NewManager(cc)
		if err != nil {
			log.Warn("Audio cache unavailable, continuing without it", "err", err)
			c.cache = nil
		} else {
			c.synth.SetCache(c.cache)
		}
	}

	output := opts.Output
	if output == nil {
		output, err = audio.NewOtoOutput(cfg.Output())
		if err != nil {
			c.closeCache()
			return nil, fmt.Errorf("failed to open audio output: %w", err)
		}
	}
	c.engine, err = audio.NewEngine(output, c.runtime, cfg.Playback())
	if err != nil {
		c.closeCache()
		return nil, err
	}

	c.queue, err = queue.New(c.synth, c.engine)
	if err != nil {
		c.closeCache()
		return nil, err
	}
	c.queue.SetMetrics(opts.Metrics)

	asrConfig, asrOpts := cfg.Recognition()
	c.asr, err = asr.NewSession(streamTransport, asrConfig)
	if err != nil {
		_ = c.queue.Close()
		c.closeCache()
		return nil, err
	}
	c.asr.SetMetrics(opts.Metrics)
	c.asrOpts = asrOpts

	return c, nil
}

// EnqueueUtterance queues text for synthesis and playback. A speakerID of 0
// uses the configured character. It reports whether the text was accepted.
func (c *Controller) EnqueueUtterance(text string, speakerID int64, isFirst bool) bool {
	if c.isClosed() {
		return false
	}
	if speakerID == 0 {
		speakerID = c.cfg.TTS.SpeakerID
	}
	return c.queue.Enqueue(text, speakerID, isFirst)
}

// streamBuffer is how many streamed chunks may wait for playback.
const streamBuffer = 64

// SpeakStream synthesizes text through the streaming endpoint and plays every
// chunk as soon as it arrives. Queued utterances are cleared first. It
// returns once the last chunk has played. A speakerID of 0 uses the
// configured character.
func (c *Controller) SpeakStream(ctx context.Context, text string, speakerID int64) error {
	if c.isClosed() {
		return ErrControllerClosed
	}
	if speakerID == 0 {
		speakerID = c.cfg.TTS.SpeakerID
	}
	c.queue.Clear()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan ttypes.AudioPayload, streamBuffer)
	played := make(chan error, 1)
	go func() {
		played <- c.playChunks(ctx, chunks)
	}()

	n, err := c.synth.SynthesizeStream(ctx, text, speakerID, func(p ttypes.AudioPayload) error {
		select {
		case chunks <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(chunks)
	if err != nil {
		cancel()
		<-played
		return err
	}
	log.Debug("Streamed utterance received", "chunks", n)
	return <-played
}

// playChunks plays chunks in arrival order. Chunks that cannot be played are
// skipped.
func (c *Controller) playChunks(ctx context.Context, chunks <-chan ttypes.AudioPayload) error {
	for p := range chunks {
		if ctx.Err() != nil {
			continue
		}
		if err := c.engine.Play(ctx, p); err != nil && ctx.Err() == nil {
			log.Warn("Playback: skipping stream chunk", "err", err)
		}
	}
	return ctx.Err()
}

// PlayURL downloads audio the backend synthesized on its own, such as the
// clips announced in a chat stream, and plays it. It bypasses the queue.
func (c *Controller) PlayURL(ctx context.Context, audioURL string) error {
	if c.isClosed() {
		return ErrControllerClosed
	}
	payload, err := c.synth.Fetch(ctx, audioURL)
	if err != nil {
		return fmt.Errorf("unable to fetch audio: %w", err)
	}
	return c.engine.Play(ctx, payload)
}

// ClearQueue drops every waiting utterance and stops the one playing.
func (c *Controller) ClearQueue() {
	c.queue.Clear()
}

// IsPlaying reports whether audio is being rendered.
func (c *Controller) IsPlaying() bool {
	return c.queue.IsPlaying()
}

// QueueLength returns the number of utterances waiting to be played.
func (c *Controller) QueueLength() int {
	return c.queue.Len()
}

// CurrentUtterance returns the utterance being played or awaited, if any.
func (c *Controller) CurrentUtterance() *ttypes.QueueItem {
	return c.queue.Current()
}

// PendingUtterances returns the utterances waiting behind the current one.
func (c *Controller) PendingUtterances() []ttypes.QueueItem {
	return c.queue.Items()
}

// OnQueueEmpty registers fn to run whenever the queue drains.
func (c *Controller) OnQueueEmpty(fn func()) {
	c.queue.OnQueueEmpty(fn)
}

// OnPartialResult registers the interim transcript callback.
func (c *Controller) OnPartialResult(fn func(text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPartial = fn
}

// OnFinalResult registers the final transcript callback.
func (c *Controller) OnFinalResult(fn func(text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFinal = fn
}

// OnError registers the recognition error callback.
func (c *Controller) OnError(fn func(msg string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// StartRecognition opens a recognition session with the configured options.
// Start failures are also reported through the error callback.
func (c *Controller) StartRecognition(ctx context.Context) error {
	return c.StartRecognitionWith(ctx, c.asrOpts)
}

// StartRecognitionWith opens a recognition session with opts. Callbacks set
// on opts are replaced by the controller's.
func (c *Controller) StartRecognitionWith(ctx context.Context, opts asr.Options) error {
	if c.isClosed() {
		return ErrControllerClosed
	}

	opts.OnPartial = func(text string) {
		if fn := c.callbacks().partial; fn != nil {
			fn(text)
		}
	}
	opts.OnFinal = func(text string) {
		if fn := c.callbacks().final; fn != nil {
			fn(text)
		}
	}
	opts.OnError = c.reportError

	err := c.asr.Start(ctx, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asr.ErrConnectTimeout):
		// already reported by the session
	case errors.Is(err, context.Canceled):
	default:
		c.reportError(err.Error())
	}
	return err
}

// SendAudioChunk uploads 16-bit little-endian mono PCM. Chunks sent outside
// a session are dropped.
func (c *Controller) SendAudioChunk(ctx context.Context, chunk []byte) error {
	return c.asr.SendAudio(ctx, chunk)
}

// StopRecognition ends the session and returns the best known transcript.
func (c *Controller) StopRecognition(ctx context.Context) string {
	return c.asr.Stop(ctx)
}

// RecognitionState returns the session state.
func (c *Controller) RecognitionState() asr.State {
	return c.asr.State()
}

// RecognitionStatus fetches the backend's recognition service status.
func (c *Controller) RecognitionStatus(ctx context.Context) (map[string]any, error) {
	return c.asr.Status(ctx)
}

// SetVolume changes the playback volume, clamped to [0, 1].
func (c *Controller) SetVolume(v float64) {
	c.engine.SetVolume(v)
}

// Volume returns the playback volume.
func (c *Controller) Volume() float64 {
	return c.engine.Volume()
}

// Stats returns a snapshot of the pipeline counters.
func (c *Controller) Stats() Stats {
	s := Stats{
		Queue:       c.queue.Stats(),
		FirstPlayed: c.runtime.FirstPlayDone(),
		Recognizing: c.asr.State() != asr.StateIdle,
		Volume:      c.engine.Volume(),
	}
	if c.cache != nil {
		s.MemoryCache, s.DiskCache = c.cache.Stats()
	}
	return s
}

// Close stops playback and recognition and releases every resource.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.asr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recognition: %w", err))
	}
	if err := c.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := c.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("playback: %w", err))
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}

	log.Debug("Voice controller closed")
	return errors.Join(errs...)
}

type callbackSet struct {
	partial func(string)
	final   func(string)
	err     func(string)
}

func (c *Controller) callbacks() callbackSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return callbackSet{partial: c.onPartial, final: c.onFinal, err: c.onError}
}

func (c *Controller) reportError(msg string) {
	if fn := c.callbacks().err; fn != nil {
		fn(msg)
	}
}

func (c *Controller) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Controller) closeCache() {
	if c.cache != nil {
		_ = c.cache.Close()
	}
}
