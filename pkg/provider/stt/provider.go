// Package stt defines the Provider interface for whole-buffer Speech-to-Text
// backends.
//
// A Provider receives one complete audio upload per call (a 16-bit mono WAV
// file) together with decoding hints, and returns the recognised text plus
// optional segment and word timings relative to the start of the upload.
// Backends that cannot report word timings leave Words empty; callers are
// expected to synthesise timings from segment bounds or the overall text.
//
// Implementations must be safe for concurrent use. Many streams share one
// Provider and may call Transcribe simultaneously.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by providers when Request.Audio is empty.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Granularity selects the timestamp detail requested from the backend.
type Granularity string

const (
	GranularityWord    Granularity = "word"
	GranularitySegment Granularity = "segment"
)

// Request is a single transcription call.
type Request struct {
	// Audio is a complete WAV file (see audio.EncodeWAV).
	Audio []byte

	// Filename is the name reported for the upload. Defaults to "buffer.wav".
	Filename string

	// Language is an ISO-639-1 hint (e.g., "en"). Empty lets the backend
	// detect the language, if supported.
	Language string

	// Prompt is free text that biases decoding toward continuity with what
	// was said before the audio starts.
	Prompt string

	// Temperature is the sampling temperature. Pseudo-streaming always uses
	// 0 so repeated passes over the same audio agree.
	Temperature float64

	// Granularities lists the timestamp levels to request.
	Granularities []Granularity
}

// FilenameOrDefault returns Filename, or "buffer.wav" when unset.
func (r Request) FilenameOrDefault() string {
	if r.Filename == "" {
		return "buffer.wav"
	}
	return r.Filename
}

// Response is the backend's answer. All times are seconds relative to the
// start of Request.Audio.
type Response struct {
	Text     string
	Language string
	Duration float64
	Segments []Segment
}

// Segment is a phrase reported by the backend.
type Segment struct {
	Start float64
	End   float64
	Text  string
	Words []Word
}

// Word is a timed token. HasTiming is false when the backend returned the
// token without timestamps; consumers then fall back to the segment bounds.
type Word struct {
	Start     float64
	End       float64
	Text      string
	HasTiming bool
}

// Provider is the abstraction over any whole-buffer transcription backend.
type Provider interface {
	// Transcribe uploads req.Audio and returns the recognised result.
	// Transport, HTTP status and decoding failures are returned as errors.
	Transcribe(ctx context.Context, req Request) (*Response, error)
}
