// Package vad defines the voice activity detection abstraction used to find
// speech boundaries in a continuous mono signal.
//
// An Engine creates one SessionHandle per stream. The session is fed blocks
// of float samples of arbitrary length together with the absolute stream time
// of the block's first sample, and reports at most one Event per call.
//
// Sessions are not safe for concurrent use; each belongs to exactly one
// stream goroutine.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the tunables of an adaptive energy detector. Zero values are
// replaced by the defaults in DefaultConfig via WithDefaults.
type Config struct {
	// SampleRate of the samples passed to Feed, in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the analysis frame length in samples.
	FrameSize int `yaml:"frame_size"`

	// High is the z-score that opens an utterance.
	High float64 `yaml:"high"`

	// Low is the z-score below which audio counts as silence.
	Low float64 `yaml:"low"`

	// MinSilenceMs is the sustained silence that closes an utterance, before
	// ReleaseMs is added.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// MinSpeechMs is the shortest span reported when start and end occur in
	// the same call.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// PadMs is subtracted from the reported end time.
	PadMs int `yaml:"pad_ms"`

	// AttackMs is subtracted from the reported start time.
	AttackMs int `yaml:"attack_ms"`

	// ReleaseMs is added to MinSilenceMs before an utterance closes.
	ReleaseMs int `yaml:"release_ms"`

	// FloorAlpha is the decay of the noise floor moving average while the
	// signal is noisy. Quiet frames adapt with min(0.98, FloorAlpha).
	FloorAlpha float64 `yaml:"floor_adapt"`
}

// DefaultConfig returns the tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		FrameSize:    512,
		High:         3.0,
		Low:          2.0,
		MinSilenceMs: 500,
		MinSpeechMs:  120,
		PadMs:        120,
		AttackMs:     30,
		ReleaseMs:    200,
		FloorAlpha:   0.995,
	}
}

// WithDefaults returns a copy of c with every zero field replaced by its
// default.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameSize == 0 {
		c.FrameSize = d.FrameSize
	}
	if c.High == 0 {
		c.High = d.High
	}
	if c.Low == 0 {
		c.Low = d.Low
	}
	if c.MinSilenceMs == 0 {
		c.MinSilenceMs = d.MinSilenceMs
	}
	if c.MinSpeechMs == 0 {
		c.MinSpeechMs = d.MinSpeechMs
	}
	if c.PadMs == 0 {
		c.PadMs = d.PadMs
	}
	if c.AttackMs == 0 {
		c.AttackMs = d.AttackMs
	}
	if c.ReleaseMs == 0 {
		c.ReleaseMs = d.ReleaseMs
	}
	if c.FloorAlpha == 0 {
		c.FloorAlpha = d.FloorAlpha
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame_size must be positive, got %d", c.FrameSize))
	}
	if c.High <= c.Low {
		errs = append(errs, fmt.Errorf("vad: high (%g) must be greater than low (%g)", c.High, c.Low))
	}
	if c.FloorAlpha <= 0 || c.FloorAlpha >= 1 {
		errs = append(errs, fmt.Errorf("vad: floor_adapt must be in (0, 1), got %g", c.FloorAlpha))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"min_silence_ms", c.MinSilenceMs},
		{"min_speech_ms", c.MinSpeechMs},
		{"pad_ms", c.PadMs},
		{"attack_ms", c.AttackMs},
		{"release_ms", c.ReleaseMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("vad: %s must not be negative, got %d", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// SessionHandle is a stateful detector bound to one stream.
type SessionHandle interface {
	// Feed analyses samples whose first sample sits at offsetSec on the
	// absolute stream timeline. Partial frames are carried over to the next
	// call. It reports at most one Event; ok is false when nothing happened.
	Feed(samples []float32, offsetSec float64) (ev Event, ok bool)

	// Reset returns the detector to its initial state.
	Reset()

	// Close releases any resources held by the session.
	Close() error
}

// Engine creates detector sessions.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
