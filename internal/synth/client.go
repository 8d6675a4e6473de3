// Package synth turns sentences into character voice audio through the
// roleplay backend.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/carolrp/voicepipe/internal/cache"
	"github.com/carolrp/voicepipe/internal/metrics"
	"github.com/carolrp/voicepipe/internal/ratelimit"
	"github.com/carolrp/voicepipe/internal/retry"
	"github.com/carolrp/voicepipe/internal/textfilter"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/truncate"
)

const synthesizePath = "/api/tts/synthesize/character/%d"

// maxAudioSize bounds a single downloaded utterance.
const maxAudioSize = 32 << 20

// Config contains synthesis settings.
type Config struct {
	// Language is sent as languageType.
	Language string

	// ThrottleDelays are the fixed waits between throttled attempts. Their
	// count is the throttle budget.
	ThrottleDelays []time.Duration
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		Language:       "Chinese",
		ThrottleDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// AudioCache stores synthesized utterances by key.
type AudioCache interface {
	Get(key string) (ttypes.AudioPayload, bool)
	Put(key string, payload ttypes.AudioPayload) error
}

// envelope is the backend response wrapper.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		AudioURL string `json:"audioUrl"`
	} `json:"data"`
}

// attemptResult distinguishes "no audio" from a failed attempt inside the
// retry loop.
type attemptResult struct {
	payload ttypes.AudioPayload
	ok      bool
}

// Client synthesizes sentences for a character voice.
type Client struct {
	transport *transport.Client
	stream    *transport.Client
	limiter   ratelimit.Limiter
	retry     *retry.Executor
	runtime   *ttypes.RuntimeState
	config    Config

	cache   AudioCache
	metrics *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a synthesis client. All dependencies are required.
func NewClient(tc *transport.Client, limiter ratelimit.Limiter, executor *retry.Executor, runtime *ttypes.RuntimeState, config Config) (*Client, error) {
	if tc == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if limiter == nil {
		return nil, errors.New("limiter cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("retry executor cannot be nil")
	}
	if runtime == nil {
		return nil, errors.New("runtime state cannot be nil")
	}
	if config.Language == "" {
		config.Language = DefaultConfig().Language
	}

	return &Client{
		transport: tc,
		stream:    tc,
		limiter:   limiter,
		retry:     executor,
		runtime:   runtime,
		config:    config,
		sleep:     sleepCtx,
	}, nil
}

// SetCache enables the audio cache.
func (c *Client) SetCache(ac AudioCache) {
	c.cache = ac
}

// SetMetrics enables metric recording.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Synthesize returns audio for text spoken by speakerID. The boolean is false
// when there is no audio: the text was not speakable, the backend refused it,
// or every attempt failed. Only a cancelled ctx produces an error.
func (c *Client) Synthesize(ctx context.Context, text string, speakerID int64) (ttypes.AudioPayload, bool, error) {
	start := time.Now()
	preview := truncate.StringWithTail(strings.TrimSpace(text), 40, "…")

	final, ok := textfilter.Speakable(text)
	if !ok {
		log.Debug("TTS: skipping unspeakable text", "text", preview)
		c.metrics.RecordSynthesis(metrics.OutcomeFiltered, 0, 0)
		return ttypes.AudioPayload{}, false, nil
	}
	if final != strings.TrimSpace(text) {
		log.Debug("TTS: text filtered", "from", preview, "to", truncate.StringWithTail(final, 40, "…"))
	}

	key := cache.Key(final, speakerID, c.config.Language)
	if c.cache != nil {
		if payload, hit := c.cache.Get(key); hit {
			log.Debug("TTS: cache hit", "text", preview)
			c.metrics.RecordSynthesis(metrics.OutcomeCached, 0, len(payload.Data))
			return payload, true, nil
		}
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return ttypes.AudioPayload{}, false, err
	}
	defer c.runtime.ResetThrottle()

	label := fmt.Sprintf("synthesize[%s]", preview)
	res, ok, err := retry.Do(ctx, c.retry, label, func(ctx context.Context) (attemptResult, error) {
		return c.attempt(ctx, final, speakerID)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ttypes.AudioPayload{}, false, ctxErr
		}
		log.Error("TTS: synthesis failed", "text", preview, "err", err)
		c.metrics.RecordSynthesis(metrics.OutcomeFailed, 0, 0)
		return ttypes.AudioPayload{}, false, nil
	}
	if !ok || !res.ok {
		log.Info("TTS: no audio for sentence", "text", preview)
		c.metrics.RecordSynthesis(metrics.OutcomeDropped, 0, 0)
		return ttypes.AudioPayload{}, false, nil
	}

	took := time.Since(start)
	log.Debug("TTS: synthesized", "text", preview, "size", humanize.IBytes(uint64(len(res.payload.Data))), "took", took)
	c.metrics.RecordSynthesis(metrics.OutcomeOK, took, len(res.payload.Data))

	if c.cache != nil {
		if err := c.cache.Put(key, res.payload); err != nil {
			log.Warn("TTS: could not cache audio", "err", err)
		}
	}
	return res.payload, true, nil
}

// attempt performs one synthesis request and downloads the resulting audio.
func (c *Client) attempt(ctx context.Context, text string, speakerID int64) (attemptResult, error) {
	form := url.Values{}
	form.Set("text", text)
	form.Set("languageType", c.config.Language)

	req, err := c.transport.NewRequest(ctx, http.MethodPost, fmt.Sprintf(synthesizePath, speakerID),
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return attemptResult{}, err
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		return attemptResult{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := transport.ReadError(resp)
		log.Debug("TTS: request rejected", "status", resp.StatusCode, "err", statusErr)

		if retry.Classify(statusErr) == retry.ClassThrottled {
			return c.throttled(ctx, text, speakerID)
		}
		if resp.StatusCode == http.StatusBadRequest {
			return attemptResult{}, nil
		}
		return attemptResult{}, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{}, ttypes.NetworkError(err)
	}

	var env envelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return attemptResult{}, fmt.Errorf("unable to decode synthesis response: %w", err)
	}
	if env.Code != http.StatusOK {
		msg := env.Message
		if msg == "" {
			msg = "synthesis failed"
		}
		return attemptResult{}, &ttypes.SynthesisError{Kind: ttypes.ErrorKindEnvelope, Status: env.Code, Body: msg}
	}
	if env.Data == nil || env.Data.AudioURL == "" {
		return attemptResult{}, errors.New("synthesis response carried no audio url")
	}

	payload, err := c.Fetch(ctx, env.Data.AudioURL)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{payload: payload, ok: true}, nil
}

// throttled waits out one step of the fixed throttle schedule and tries
// again. Once the schedule is spent the sentence is given up on.
func (c *Client) throttled(ctx context.Context, text string, speakerID int64) (attemptResult, error) {
	n := c.runtime.ThrottleAttempts()
	if n >= len(c.config.ThrottleDelays) {
		log.Info("TTS: still throttled, skipping sentence", "attempts", n)
		return attemptResult{}, nil
	}

	delay := c.config.ThrottleDelays[n]
	c.runtime.NextThrottleAttempt()
	c.metrics.RecordThrottle()
	log.Warn("TTS: throttled, backing off", "attempt", n+1, "delay", delay)

	if err := c.sleep(ctx, delay); err != nil {
		return attemptResult{}, err
	}
	return c.attempt(ctx, text, speakerID)
}

// Fetch downloads audio the backend has already synthesized. Relative URLs
// are resolved against the backend.
func (c *Client) Fetch(ctx context.Context, audioURL string) (ttypes.AudioPayload, error) {
	target := audioURL
	if !strings.HasPrefix(audioURL, "http://") && !strings.HasPrefix(audioURL, "https://") {
		target = c.transport.URL(audioURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ttypes.AudioPayload{}, fmt.Errorf("unable to create audio request: %w", err)
	}
	resp, err := c.transport.Do(req)
	if err != nil {
		return ttypes.AudioPayload{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return ttypes.AudioPayload{}, transport.ReadError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
	if err != nil {
		return ttypes.AudioPayload{}, ttypes.NetworkError(err)
	}
	if len(data) == 0 {
		return ttypes.AudioPayload{}, errors.New("downloaded audio is empty")
	}

	return ttypes.AudioPayload{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		SourceURL:   target,
	}, nil
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

var _ ttypes.Synthesizer = (*Client)(nil)
