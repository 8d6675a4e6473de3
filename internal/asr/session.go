// Package asr drives a streaming speech recognition session on the roleplay
// backend. Recognition results arrive as an event stream on the response to
// the create request; audio is uploaded in separate requests.
package asr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/carolrp/voicepipe/internal/metrics"
	"github.com/carolrp/voicepipe/internal/sse"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/charmbracelet/log"
	"golang.org/x/text/language"
)

const (
	createPath = "/api/speech/streaming/create"
	statusPath = "/api/speech/streaming/status"
	audioPath  = "/api/speech/streaming/%s/audio"
	stopPath   = "/api/speech/streaming/%s/stop"
	closePath  = "/api/speech/streaming/%s"
)

// Message types sent by the backend.
const (
	TypeConnected = "CONNECTED"
	TypeResult    = "RESULT"
	TypeComplete  = "COMPLETE"
	TypeError     = "ERROR"
)

var (
	// ErrConnectTimeout is returned by Start when the backend does not
	// confirm the session in time.
	ErrConnectTimeout = errors.New("timed out waiting for recognition session")

	// ErrStreamClosed is returned by Start when the event stream ends before
	// the session is confirmed.
	ErrStreamClosed = errors.New("recognition stream closed before session was established")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options configures one recognition session.
type Options struct {
	Model         string
	SampleRate    int
	LanguageHints []string

	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(msg string)
}

// DefaultOptions returns the backend defaults.
func DefaultOptions() Options {
	return Options{
		Model:         "fun-asr-realtime",
		SampleRate:    16000,
		LanguageHints: []string{"zh", "en"},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.SampleRate == 0 {
		o.SampleRate = d.SampleRate
	}
	if len(o.LanguageHints) == 0 {
		o.LanguageHints = d.LanguageHints
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	if o.SampleRate < 8000 || o.SampleRate > 48000 {
		return fmt.Errorf("sample rate must be between 8000 and 48000 Hz, got %d", o.SampleRate)
	}
	for _, hint := range o.LanguageHints {
		if _, err := language.Parse(hint); err != nil {
			return fmt.Errorf("invalid language hint %q: %w", hint, err)
		}
	}
	return nil
}

type createRequest struct {
	Model                        string   `json:"model"`
	Format                       string   `json:"format"`
	SampleRate                   int      `json:"sampleRate"`
	SemanticPunctuationEnabled   bool     `json:"semanticPunctuationEnabled"`
	PunctuationPredictionEnabled bool     `json:"punctuationPredictionEnabled"`
	MaxSentenceSilence           int      `json:"maxSentenceSilence"`
	LanguageHints                []string `json:"languageHints"`
}

// message is one decoded data line.
type message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
	Result    *struct {
		Text string `json:"text"`
	} `json:"result"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (m message) text() string {
	if m.Result != nil && m.Result.Text != "" {
		return m.Result.Text
	}
	return m.Text
}

func (m message) errorText() string {
	if m.Error != "" {
		return m.Error
	}
	return m.Message
}

// Config contains session settings.
type Config struct {
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

// Session is a single reusable recognition session. All methods are safe
// for concurrent use.
type Session struct {
	transport *transport.Client
	config    Config
	metrics   *metrics.Metrics

	mu        sync.Mutex
	state     State
	sessionID string
	partial   string
	final     string
	opts      Options
	cancel    context.CancelFunc
	epoch     uint64 // bumped by Cleanup so stale streams are ignored

	wg sync.WaitGroup
}

// NewSession creates an idle session.
func NewSession(tc *transport.Client, config Config) (*Session, error) {
	if tc == nil {
		return nil, errors.New("transport cannot be nil")
	}
	d := DefaultConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = d.ConnectTimeout
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = d.CloseTimeout
	}
	return &Session{transport: tc, config: config}, nil
}

// SetMetrics enables metric recording.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start opens the event stream and waits until the backend confirms the
// session. Calling Start on a session that is not idle logs a warning and
// does nothing.
func (s *Session) Start(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return err
	}

	body, err := sonic.Marshal(createRequest{
		Model:                        opts.Model,
		Format:                       "wav",
		SampleRate:                   opts.SampleRate,
		SemanticPunctuationEnabled:   false,
		PunctuationPredictionEnabled: true,
		MaxSentenceSilence:           1300,
		LanguageHints:                opts.LanguageHints,
	})
	if err != nil {
		return fmt.Errorf("unable to encode session request: %w", err)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		log.Warn("ASR: session already running", "state", state)
		return nil
	}
	s.state = StateStarting
	s.partial, s.final = "", ""
	s.opts = opts
	s.epoch++
	epoch := s.epoch
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	log.Debug("ASR: starting session", "model", opts.Model, "rate", opts.SampleRate, "hints", opts.LanguageHints)

	connected := make(chan string, 1)
	failed := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(streamCtx, epoch, body, connected, failed)
	}()

	watchdog := time.NewTimer(s.config.ConnectTimeout)
	defer watchdog.Stop()

	select {
	case id := <-connected:
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return ErrStreamClosed
		}
		s.sessionID = id
		s.state = StateActive
		s.mu.Unlock()
		log.Info("ASR: session established", "session", id)
		return nil
	case err := <-failed:
		s.Cleanup()
		return fmt.Errorf("unable to start recognition: %w", err)
	case <-watchdog.C:
		s.reportError(epoch, ErrConnectTimeout.Error())
		s.Cleanup()
		return ErrConnectTimeout
	case <-ctx.Done():
		s.Cleanup()
		return ctx.Err()
	}
}

// run performs the create request and pumps its event stream to the
// dispatcher until the stream ends or streamCtx is cancelled.
func (s *Session) run(ctx context.Context, epoch uint64, body []byte, connected chan<- string, failed chan<- error) {
	req, err := s.transport.NewRequest(ctx, http.MethodPost, createPath, bytes.NewReader(body), "application/json")
	if err != nil {
		failed <- err
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.transport.Do(req)
	if err != nil {
		failed <- err
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		failed <- transport.ReadError(resp)
		return
	}

	events := make(chan sse.Event, 64)
	dispatched := make(chan bool, 1)
	go func() {
		dispatched <- s.dispatch(epoch, events, connected)
	}()

	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})
	close(events)
	wasConnected := <-dispatched

	switch {
	case ctx.Err() != nil:
		log.Debug("ASR: stream closed")
	case err != nil:
		log.Warn("ASR: stream failed", "error", err)
		if !wasConnected {
			failed <- err
			return
		}
		s.reportError(epoch, err.Error())
	default:
		log.Debug("ASR: stream ended")
	}
	if !wasConnected && ctx.Err() == nil {
		failed <- ErrStreamClosed
	}
}

// dispatch applies decoded events to the session and runs callbacks. It
// reports whether the session was confirmed.
func (s *Session) dispatch(epoch uint64, events <-chan sse.Event, connected chan<- string) bool {
	confirmed := false
	for ev := range events {
		switch ev.Kind {
		case sse.KindEvent:
			log.Debug("ASR: event", "name", ev.Data)
			continue
		case sse.KindDone:
			continue
		case sse.KindError:
			s.metrics.RecordASREvent("error")
			s.reportError(epoch, ev.Data)
			continue
		}

		var msg message
		if err := sonic.UnmarshalString(ev.Data, &msg); err != nil {
			log.Warn("ASR: skipping malformed event", "data", ev.Data, "error", err)
			continue
		}
		s.metrics.RecordASREvent(strings.ToLower(msg.Type))

		switch msg.Type {
		case TypeConnected:
			if msg.RequestID != "" && !confirmed {
				confirmed = true
				connected <- msg.RequestID
			}
		case TypeResult:
			text := msg.text()
			if text == "" {
				continue
			}
			s.mu.Lock()
			if s.epoch != epoch {
				s.mu.Unlock()
				continue
			}
			s.partial = text
			cb := s.opts.OnPartial
			s.mu.Unlock()
			log.Debug("ASR: partial result", "text", text)
			if cb != nil {
				cb(text)
			}
		case TypeComplete:
			s.mu.Lock()
			if s.epoch != epoch {
				s.mu.Unlock()
				continue
			}
			s.final = s.partial
			text := s.final
			cb := s.opts.OnFinal
			s.mu.Unlock()
			log.Debug("ASR: final result", "text", text)
			if cb != nil {
				cb(text)
			}
		case TypeError:
			s.reportError(epoch, msg.errorText())
		default:
			log.Debug("ASR: ignoring event", "type", msg.Type)
		}
	}
	return confirmed
}

func (s *Session) reportError(epoch uint64, msg string) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	cb := s.opts.OnError
	s.mu.Unlock()

	log.Error("ASR: recognition error", "error", msg)
	if cb != nil {
		cb(msg)
	}
}

// SendAudio uploads one chunk of 16-bit little-endian mono PCM. Chunks sent
// outside an active session are dropped with a warning; upload failures go
// to the OnError callback. Only a cancelled ctx is returned as an error.
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	id, state, epoch := s.sessionID, s.state, s.epoch
	s.mu.Unlock()

	if state != StateActive || id == "" {
		log.Warn("ASR: not recognizing, dropping audio", "bytes", len(chunk))
		return nil
	}

	req, err := s.transport.NewRequest(ctx, http.MethodPost, fmt.Sprintf(audioPath, url.PathEscape(id)), bytes.NewReader(chunk), "application/octet-stream")
	if err != nil {
		s.reportError(epoch, fmt.Sprintf("failed to send audio: %v", err))
		return nil
	}

	resp, err := s.transport.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reportError(epoch, fmt.Sprintf("failed to send audio: %v", err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.reportError(epoch, fmt.Sprintf("failed to send audio: %v", transport.ReadError(resp)))
		return nil
	}

	s.metrics.RecordAudioChunk()
	log.Debug("ASR: audio sent", "bytes", len(chunk))
	return nil
}

// Stop ends recognition and returns the best known text: the final result
// if there is one, otherwise the latest partial. The session is cleaned up
// afterwards. Stop never fails.
func (s *Session) Stop(ctx context.Context) string {
	s.mu.Lock()
	if s.state != StateActive || s.sessionID == "" {
		text := s.currentText()
		s.mu.Unlock()
		log.Warn("ASR: not recognizing")
		return text
	}
	s.state = StateStopping
	id := s.sessionID
	s.mu.Unlock()

	if err := s.post(ctx, fmt.Sprintf(stopPath, url.PathEscape(id))); err != nil {
		log.Warn("ASR: stop request failed", "session", id, "error", err)
	}

	text := s.CurrentText()
	log.Debug("ASR: stopped", "text", text)
	s.Cleanup()
	return text
}

func (s *Session) post(ctx context.Context, path string) error {
	req, err := s.transport.NewRequest(ctx, http.MethodPost, path, nil, "")
	if err != nil {
		return err
	}
	resp, err := s.transport.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transport.ReadError(resp)
	}
	return nil
}

// Cleanup closes the remote session in the background, aborts the event
// stream and resets the session to idle. It is safe to call in any state and
// more than once.
func (s *Session) Cleanup() {
	s.mu.Lock()
	id := s.sessionID
	cancel := s.cancel
	s.state = StateIdle
	s.sessionID = ""
	s.partial, s.final = "", ""
	s.opts = Options{}
	s.cancel = nil
	s.epoch++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if id == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
		defer cancel()

		req, err := s.transport.NewRequest(ctx, http.MethodDelete, fmt.Sprintf(closePath, url.PathEscape(id)), nil, "")
		if err != nil {
			return
		}
		resp, err := s.transport.Do(req)
		if err != nil {
			log.Debug("ASR: unable to close session", "session", id, "error", err)
			return
		}
		_ = resp.Body.Close()
	}()
}

// Close cleans up and waits for background requests to finish.
func (s *Session) Close() error {
	s.Cleanup()
	s.wg.Wait()
	return nil
}

// CurrentText returns the final result if there is one, otherwise the latest
// partial result.
func (s *Session) CurrentText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentText()
}

func (s *Session) currentText() string {
	if s.final != "" {
		return s.final
	}
	return s.partial
}

// SessionID returns the backend session id, empty when not active.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status fetches the backend's recognition service status.
func (s *Session) Status(ctx context.Context) (map[string]any, error) {
	req, err := s.transport.NewRequest(ctx, http.MethodGet, statusPath, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := s.transport.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, transport.ReadError(resp)
	}

	var env struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("unable to decode status: %w", err)
	}
	return env.Data, nil
}
