package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"openai", "whisper", "whisper-native", "deepgram"},
	"capture": {"websocket", "discord", "file"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("capture", cfg.Providers.Capture.Name)

	if cfg.Providers.STT.Name == "" {
		if len(cfg.Providers.STTFallbacks) > 0 {
			errs = append(errs, errors.New("providers.stt_fallbacks is set but providers.stt is not configured"))
		} else {
			slog.Warn("no stt provider configured; streams will not produce transcripts")
		}
	}

	s := cfg.Stream
	if s.MinChunkSec < 0 {
		errs = append(errs, fmt.Errorf("stream.min_chunk_sec must not be negative, got %g", s.MinChunkSec))
	}
	if s.BufferTrimSec < 0 {
		errs = append(errs, fmt.Errorf("stream.buffer_trim_sec must not be negative, got %g", s.BufferTrimSec))
	}
	if s.MinChunkSec > 0 && s.BufferTrimSec > 0 && s.BufferTrimSec < s.MinChunkSec {
		errs = append(errs, fmt.Errorf("stream.buffer_trim_sec (%g) must not be below stream.min_chunk_sec (%g)", s.BufferTrimSec, s.MinChunkSec))
	}
	if s.SilenceCooldownMs < 0 {
		errs = append(errs, fmt.Errorf("stream.silence_cooldown_ms must not be negative, got %d", s.SilenceCooldownMs))
	}
	if s.VADEnabled() {
		if err := s.VAD.WithDefaults().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("stream.vad: %w", err))
		}
	}
	if s.BandPass.HighPassHz < 0 || s.BandPass.LowPassHz < 0 {
		errs = append(errs, errors.New("stream.band_pass corners must not be negative"))
	}
	if s.BandPass.HighPassHz > 0 && s.BandPass.LowPassHz > 0 && s.BandPass.HighPassHz >= s.BandPass.LowPassHz {
		errs = append(errs, fmt.Errorf("stream.band_pass.high_pass_hz (%g) must be below low_pass_hz (%g)", s.BandPass.HighPassHz, s.BandPass.LowPassHz))
	}
	for i, term := range s.Vocabulary {
		if term == "" {
			errs = append(errs, fmt.Errorf("stream.vocabulary[%d] is empty", i))
		}
	}

	if cfg.Providers.Capture.Name == "discord" {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is required when providers.capture is discord"))
		}
		if cfg.Discord.GuildID == "" || cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.guild_id and discord.channel_id are required when providers.capture is discord"))
		}
	}

	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
