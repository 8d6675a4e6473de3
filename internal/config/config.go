// Package config loads voicepipe settings from the config file, the
// environment and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/carolrp/voicepipe/internal/asr"
	"github.com/carolrp/voicepipe/internal/audio"
	"github.com/carolrp/voicepipe/internal/cache"
	"github.com/carolrp/voicepipe/internal/ratelimit"
	"github.com/carolrp/voicepipe/internal/retry"
	"github.com/carolrp/voicepipe/internal/synth"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/text/language"
)

// Config contains all voicepipe settings.
type Config struct {
	API     APIConfig     `yaml:"api"`
	TTS     TTSConfig     `yaml:"tts"`
	ASR     ASRConfig     `yaml:"asr"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig locates the roleplay backend.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// TTSConfig contains synthesis and playback settings.
type TTSConfig struct {
	Language         string          `yaml:"language"`
	SpeakerID        int64           `yaml:"speaker_id"`
	Volume           float64         `yaml:"volume"`
	FirstPlayDelay   time.Duration   `yaml:"first_play_delay"`
	OutputSampleRate int             `yaml:"output_sample_rate"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	Retry            RetryConfig     `yaml:"retry"`
	Cache            CacheConfig     `yaml:"cache"`
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	Mode            string        `yaml:"mode"`
	Capacity        int           `yaml:"capacity"`
	RefillPerSecond float64       `yaml:"refill_per_second"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// CacheConfig sizes the synthesized audio cache.
type CacheConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Dir              string `yaml:"dir"`
	MemoryMB         int    `yaml:"memory_mb"`
	DiskMB           int    `yaml:"disk_mb"`
	CompressionLevel int    `yaml:"compression_level"`
}

// ASRConfig contains speech recognition settings.
type ASRConfig struct {
	Model          string        `yaml:"model"`
	SampleRate     int           `yaml:"sample_rate"`
	LanguageHints  []string      `yaml:"language_hints"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	limit := ratelimit.DefaultConfig()
	policy := retry.DefaultPolicy
	store := cache.DefaultConfig()
	playback := audio.DefaultConfig()
	opts := asr.DefaultOptions()

	return Config{
		API: APIConfig{
			BaseURL: transport.DefaultBaseURL,
			Timeout: 30 * time.Second,
		},
		TTS: TTSConfig{
			Language:         synth.DefaultConfig().Language,
			Volume:           playback.Volume,
			FirstPlayDelay:   playback.FirstPlayDelay,
			OutputSampleRate: audio.DefaultOutputConfig().SampleRate,
			RateLimit: RateLimitConfig{
				Mode:            string(limit.Mode),
				Capacity:        limit.Capacity,
				RefillPerSecond: limit.RefillPerSecond,
				PollInterval:    limit.PollInterval,
			},
			Retry: RetryConfig{
				MaxAttempts: policy.MaxAttempts,
				BaseDelay:   policy.BaseDelay,
				MaxDelay:    policy.MaxDelay,
				Multiplier:  policy.Multiplier,
			},
			Cache: CacheConfig{
				Enabled:          store.Enabled,
				MemoryMB:         int(store.MemoryCapacity >> 20),
				DiskMB:           int(store.DiskCapacity >> 20),
				CompressionLevel: store.CompressionLevel,
			},
		},
		ASR: ASRConfig{
			Model:          opts.Model,
			SampleRate:     opts.SampleRate,
			LanguageHints:  opts.LanguageHints,
			ConnectTimeout: asr.DefaultConfig().ConnectTimeout,
		},
	}
}

// Validate checks if the configuration is valid. Paths are expanded in
// place.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base_url cannot be empty")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout < time.Second {
		return fmt.Errorf("api timeout must be at least 1 second, got %v", c.API.Timeout)
	}

	if c.TTS.Language == "" {
		return fmt.Errorf("tts language cannot be empty")
	}
	if c.TTS.Volume < 0 || c.TTS.Volume > 1 {
		return fmt.Errorf("tts volume must be between 0.0 and 1.0, got %f", c.TTS.Volume)
	}
	if c.TTS.FirstPlayDelay < 0 {
		return fmt.Errorf("tts first_play_delay must not be negative, got %v", c.TTS.FirstPlayDelay)
	}
	validSampleRates := []int{22050, 24000, 44100, 48000}
	if !containsInt(validSampleRates, c.TTS.OutputSampleRate) {
		return fmt.Errorf("invalid output sample rate %d: must be one of %v", c.TTS.OutputSampleRate, validSampleRates)
	}

	switch ratelimit.Mode(c.TTS.RateLimit.Mode) {
	case ratelimit.ModePoll, ratelimit.ModeSmooth:
	default:
		return fmt.Errorf("invalid rate limit mode %q: must be %q or %q", c.TTS.RateLimit.Mode, ratelimit.ModePoll, ratelimit.ModeSmooth)
	}
	if c.TTS.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate limit capacity must be at least 1, got %d", c.TTS.RateLimit.Capacity)
	}
	if c.TTS.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate limit refill_per_second must be positive, got %f", c.TTS.RateLimit.RefillPerSecond)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("tts retry: %w", err)
	}

	if c.TTS.Cache.MemoryMB < 0 || c.TTS.Cache.MemoryMB > 1024 {
		return fmt.Errorf("cache memory_mb must be between 0 and 1024, got %d", c.TTS.Cache.MemoryMB)
	}
	if c.TTS.Cache.DiskMB < 0 || c.TTS.Cache.DiskMB > 10000 {
		return fmt.Errorf("cache disk_mb must be between 0 and 10000, got %d", c.TTS.Cache.DiskMB)
	}
	if c.TTS.Cache.CompressionLevel < 0 || c.TTS.Cache.CompressionLevel > 4 {
		return fmt.Errorf("cache compression_level must be between 0 and 4, got %d", c.TTS.Cache.CompressionLevel)
	}
	if c.TTS.Cache.Dir != "" {
		dir, err := homedir.Expand(c.TTS.Cache.Dir)
		if err != nil {
			return fmt.Errorf("cache dir %q: %w", c.TTS.Cache.Dir, err)
		}
		c.TTS.Cache.Dir = dir
	}

	if c.ASR.SampleRate < 8000 || c.ASR.SampleRate > 48000 {
		return fmt.Errorf("asr sample_rate must be between 8000 and 48000 Hz, got %d", c.ASR.SampleRate)
	}
	for _, hint := range c.ASR.LanguageHints {
		if _, err := language.Parse(hint); err != nil {
			return fmt.Errorf("invalid asr language hint %q: %w", hint, err)
		}
	}
	if c.ASR.ConnectTimeout < time.Second {
		return fmt.Errorf("asr connect_timeout must be at least 1 second, got %v", c.ASR.ConnectTimeout)
	}

	return nil
}

// Transport converts the API settings.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		BaseURL: c.API.BaseURL,
		Token:   c.API.Token,
		Timeout: c.API.Timeout,
	}
}

// RateLimit converts the limiter settings.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Mode:            ratelimit.Mode(c.TTS.RateLimit.Mode),
		Capacity:        c.TTS.RateLimit.Capacity,
		RefillPerSecond: c.TTS.RateLimit.RefillPerSecond,
		PollInterval:    c.TTS.RateLimit.PollInterval,
	}
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.TTS.Retry.MaxAttempts,
		BaseDelay:   c.TTS.Retry.BaseDelay,
		MaxDelay:    c.TTS.Retry.MaxDelay,
		Multiplier:  c.TTS.Retry.Multiplier,
	}
}

// Cache converts the cache settings.
func (c *Config) Cache() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Enabled = c.TTS.Cache.Enabled
	cfg.Dir = c.TTS.Cache.Dir
	cfg.MemoryCapacity = int64(c.TTS.Cache.MemoryMB) << 20
	cfg.DiskCapacity = int64(c.TTS.Cache.DiskMB) << 20
	cfg.CompressionLevel = c.TTS.Cache.CompressionLevel
	return cfg
}

// Synth converts the synthesis settings.
func (c *Config) Synth() synth.Config {
	cfg := synth.DefaultConfig()
	cfg.Language = c.TTS.Language
	return cfg
}

// Playback converts the playback settings.
func (c *Config) Playback() audio.Config {
	cfg := audio.DefaultConfig()
	cfg.Volume = c.TTS.Volume
	cfg.FirstPlayDelay = c.TTS.FirstPlayDelay
	return cfg
}

// Output converts the device output settings.
func (c *Config) Output() audio.OutputConfig {
	cfg := audio.DefaultOutputConfig()
	cfg.SampleRate = c.TTS.OutputSampleRate
	return cfg
}

// Recognition converts the ASR settings.
func (c *Config) Recognition() (asr.Config, asr.Options) {
	cfg := asr.DefaultConfig()
	cfg.ConnectTimeout = c.ASR.ConnectTimeout

	opts := asr.DefaultOptions()
	opts.Model = c.ASR.Model
	opts.SampleRate = c.ASR.SampleRate
	opts.LanguageHints = append([]string(nil), c.ASR.LanguageHints...)
	return cfg, opts
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
