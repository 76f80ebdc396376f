// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the pseudostream transcription server.
package config

import (
	"time"

	"github.com/MrWong99/pseudostream/pkg/provider/vad"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Stream     StreamConfig     `yaml:"stream"`
	Store      StoreConfig      `yaml:"store"`
	Discord    DiscordConfig    `yaml:"discord"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log level. Can be changed at runtime.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the transcription backends and the audio capture.
type ProvidersConfig struct {
	// STT is the primary transcription backend.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary fails or its
	// circuit breaker is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// Capture selects where audio comes from: websocket, discord or file.
	Capture ProviderEntry `yaml:"capture"`
}

// ProviderEntry is the common configuration block for any provider.
type ProviderEntry struct {
	// Name is the registered provider name (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against hosted APIs.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the model; for whisper-native it is the model file path.
	Model string `yaml:"model"`

	// Options carries provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// StringOption returns Options[key] as a string, or "" when it is absent or
// not a string.
func (e ProviderEntry) StringOption(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// DurationOption returns Options[key] parsed as a duration, or fallback
// when it is absent or malformed.
func (e ProviderEntry) DurationOption(key string, fallback time.Duration) time.Duration {
	switch v := e.Options[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	}
	return fallback
}

// BoolOption returns Options[key] as a bool, or fallback when absent.
func (e ProviderEntry) BoolOption(key string, fallback bool) bool {
	if b, ok := e.Options[key].(bool); ok {
		return b
	}
	return fallback
}

// StreamConfig holds the per-stream tunables. Changes apply to streams
// started after a reload.
type StreamConfig struct {
	// Language is the ISO-639-1 hint passed to the backend. Empty lets the
	// backend detect it.
	Language string `yaml:"language"`

	// MinChunkSec is the buffered duration that triggers a flush when no
	// voice activity detector is used.
	MinChunkSec float64 `yaml:"min_chunk_sec"`

	// BufferTrimSec is the buffer duration above which the buffer is cut at
	// a committed segment boundary.
	BufferTrimSec float64 `yaml:"buffer_trim_sec"`

	// UseVAD enables the energy voice activity detector. Nil means true.
	UseVAD *bool `yaml:"use_vad"`

	// SilenceCooldownMs is the silence after an utterance end that forces a
	// hard flush and trim.
	SilenceCooldownMs int `yaml:"silence_cooldown_ms"`

	VAD vad.Config `yaml:"vad"`

	// Vocabulary lists proper nouns the corrector snaps near-misses to.
	Vocabulary []string `yaml:"vocabulary"`

	// VocabularyInPrompt additionally prefixes the vocabulary to the
	// backend prompt.
	VocabularyInPrompt bool `yaml:"vocabulary_in_prompt"`

	BandPass BandPassConfig `yaml:"band_pass"`
}

// VADEnabled reports whether the voice activity detector is enabled.
func (s StreamConfig) VADEnabled() bool {
	return s.UseVAD == nil || *s.UseVAD
}

// BandPassConfig limits captured audio to the speech band. A zero corner
// disables that side of the filter.
type BandPassConfig struct {
	HighPassHz float64 `yaml:"high_pass_hz"`
	LowPassHz  float64 `yaml:"low_pass_hz"`
}

// Enabled reports whether any filter section is configured.
func (b BandPassConfig) Enabled() bool {
	return b.HighPassHz > 0 || b.LowPassHz > 0
}

// StoreConfig configures transcript persistence.
type StoreConfig struct {
	// PostgresDSN selects the PostgreSQL store. Empty keeps transcripts in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DiscordConfig holds the bot credentials and the voice channel to
// transcribe when the capture provider is "discord".
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// ResilienceConfig tunes the circuit breaker in front of each backend.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

const (
	DefaultListenAddr        = ":8080"
	DefaultMinChunkSec       = 1.0
	DefaultBufferTrimSec     = 8.0
	DefaultSilenceCooldownMs = 600
)

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Capture.Name == "" {
		cfg.Providers.Capture.Name = "websocket"
	}
	if cfg.Stream.MinChunkSec == 0 {
		cfg.Stream.MinChunkSec = DefaultMinChunkSec
	}
	if cfg.Stream.BufferTrimSec == 0 {
		cfg.Stream.BufferTrimSec = DefaultBufferTrimSec
	}
	if cfg.Stream.SilenceCooldownMs == 0 {
		cfg.Stream.SilenceCooldownMs = DefaultSilenceCooldownMs
	}
	cfg.Stream.VAD = cfg.Stream.VAD.WithDefaults()
}
