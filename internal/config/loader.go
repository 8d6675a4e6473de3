package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// Env holds overrides that are usually kept out of the config file.
type Env struct {
	Token   string `env:"VOICEPIPE_TOKEN"`
	APIBase string `env:"VOICEPIPE_API_BASE"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.timeout", d.API.Timeout)

	v.SetDefault("tts.language", d.TTS.Language)
	v.SetDefault("tts.speaker_id", d.TTS.SpeakerID)
	v.SetDefault("tts.volume", d.TTS.Volume)
	v.SetDefault("tts.first_play_delay", d.TTS.FirstPlayDelay)
	v.SetDefault("tts.output_sample_rate", d.TTS.OutputSampleRate)

	v.SetDefault("tts.rate_limit.mode", d.TTS.RateLimit.Mode)
	v.SetDefault("tts.rate_limit.capacity", d.TTS.RateLimit.Capacity)
	v.SetDefault("tts.rate_limit.refill_per_second", d.TTS.RateLimit.RefillPerSecond)
	v.SetDefault("tts.rate_limit.poll_interval", d.TTS.RateLimit.PollInterval)

	v.SetDefault("tts.retry.max_attempts", d.TTS.Retry.MaxAttempts)
	v.SetDefault("tts.retry.base_delay", d.TTS.Retry.BaseDelay)
	v.SetDefault("tts.retry.max_delay", d.TTS.Retry.MaxDelay)
	v.SetDefault("tts.retry.multiplier", d.TTS.Retry.Multiplier)

	v.SetDefault("tts.cache.enabled", d.TTS.Cache.Enabled)
	v.SetDefault("tts.cache.dir", d.TTS.Cache.Dir)
	v.SetDefault("tts.cache.memory_mb", d.TTS.Cache.MemoryMB)
	v.SetDefault("tts.cache.disk_mb", d.TTS.Cache.DiskMB)
	v.SetDefault("tts.cache.compression_level", d.TTS.Cache.CompressionLevel)

	v.SetDefault("asr.model", d.ASR.Model)
	v.SetDefault("asr.sample_rate", d.ASR.SampleRate)
	v.SetDefault("asr.language_hints", d.ASR.LanguageHints)
	v.SetDefault("asr.connect_timeout", d.ASR.ConnectTimeout)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load reads the configuration from v, applies the environment overrides
// and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		API: APIConfig{
			BaseURL: v.GetString("api.base_url"),
			Token:   v.GetString("api.token"),
			Timeout: v.GetDuration("api.timeout"),
		},
		TTS: TTSConfig{
			Language:         v.GetString("tts.language"),
			SpeakerID:        v.GetInt64("tts.speaker_id"),
			Volume:           v.GetFloat64("tts.volume"),
			FirstPlayDelay:   v.GetDuration("tts.first_play_delay"),
			OutputSampleRate: v.GetInt("tts.output_sample_rate"),
			RateLimit: RateLimitConfig{
				Mode:            v.GetString("tts.rate_limit.mode"),
				Capacity:        v.GetInt("tts.rate_limit.capacity"),
				RefillPerSecond: v.GetFloat64("tts.rate_limit.refill_per_second"),
				PollInterval:    v.GetDuration("tts.rate_limit.poll_interval"),
			},
			Retry: RetryConfig{
				MaxAttempts: v.GetInt("tts.retry.max_attempts"),
				BaseDelay:   v.GetDuration("tts.retry.base_delay"),
				MaxDelay:    v.GetDuration("tts.retry.max_delay"),
				Multiplier:  v.GetFloat64("tts.retry.multiplier"),
			},
			Cache: CacheConfig{
				Enabled:          v.GetBool("tts.cache.enabled"),
				Dir:              v.GetString("tts.cache.dir"),
				MemoryMB:         v.GetInt("tts.cache.memory_mb"),
				DiskMB:           v.GetInt("tts.cache.disk_mb"),
				CompressionLevel: v.GetInt("tts.cache.compression_level"),
			},
		},
		ASR: ASRConfig{
			Model:          v.GetString("asr.model"),
			SampleRate:     v.GetInt("asr.sample_rate"),
			LanguageHints:  v.GetStringSlice("asr.language_hints"),
			ConnectTimeout: v.GetDuration("asr.connect_timeout"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
	}

	overrides, err := env.ParseAs[Env]()
	if err != nil {
		return cfg, fmt.Errorf("error parsing environment: %w", err)
	}
	cfg.ApplyEnv(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the non-empty environment values.
func (c *Config) ApplyEnv(e Env) {
	if e.Token != "" {
		c.API.Token = e.Token
	}
	if e.APIBase != "" {
		c.API.BaseURL = e.APIBase
	}
}
