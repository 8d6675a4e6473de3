// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Synthesis outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeCached   = "cached"
	OutcomeFiltered = "filtered"
	OutcomeDropped  = "dropped"
	OutcomeFailed   = "failed"
)

// Metrics contains all Prometheus metrics for the voice pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Synthesis
	SynthesisRequests *prometheus.CounterVec
	SynthesisDuration prometheus.Histogram
	ThrottleRetries   prometheus.Counter
	SynthesizedBytes  prometheus.Counter

	// Playback
	Playbacks  *prometheus.CounterVec
	QueueDepth prometheus.Gauge

	// Recognition
	ASREvents   *prometheus.CounterVec
	AudioChunks prometheus.Counter
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SynthesisRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_synthesis_requests_total",
			Help: "Synthesis requests by outcome",
		}, []string{"outcome"}),
		SynthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_synthesis_duration_seconds",
			Help:    "Time from request to downloaded audio",
			Buckets: prometheus.DefBuckets,
		}),
		ThrottleRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_synthesis_throttle_retries_total",
			Help: "Retries caused by backend throttling",
		}),
		SynthesizedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_synthesized_bytes_total",
			Help: "Audio bytes downloaded from the backend",
		}),

		Playbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_playbacks_total",
			Help: "Queue items by playback outcome",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepipe_queue_depth",
			Help: "Utterances waiting to be played",
		}),

		ASREvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_asr_events_total",
			Help: "Recognition stream events by type",
		}, []string{"type"}),
		AudioChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_asr_audio_chunks_total",
			Help: "PCM chunks uploaded to the recognizer",
		}),
	}
}

// RecordSynthesis counts one synthesis outcome.
func (m *Metrics) RecordSynthesis(outcome string, took time.Duration, size int) {
	if m == nil {
		return
	}
	m.SynthesisRequests.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.SynthesisDuration.Observe(took.Seconds())
		m.SynthesizedBytes.Add(float64(size))
	}
}

// RecordThrottle counts one throttle retry.
func (m *Metrics) RecordThrottle() {
	if m == nil {
		return
	}
	m.ThrottleRetries.Inc()
}

// RecordPlayback counts one queue item by outcome (played, skipped, error).
func (m *Metrics) RecordPlayback(outcome string) {
	if m == nil {
		return
	}
	m.Playbacks.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordASREvent counts one recognition event.
func (m *Metrics) RecordASREvent(eventType string) {
	if m == nil {
		return
	}
	m.ASREvents.WithLabelValues(eventType).Inc()
}

// RecordAudioChunk counts one uploaded chunk.
func (m *Metrics) RecordAudioChunk() {
	if m == nil {
		return
	}
	m.AudioChunks.Inc()
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
