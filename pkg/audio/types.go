package audio

import "time"

// AudioFrame is a chunk of raw PCM audio as delivered by a platform
// connection. Data is 16-bit signed little-endian PCM; multi-channel audio
// is interleaved.
type AudioFrame struct {
	// Data holds the raw PCM bytes.
	Data []byte

	// SampleRate is the sample rate in Hz (e.g., 48000 for Discord).
	SampleRate int

	// Channels is the number of interleaved channels (1 or 2).
	Channels int

	// Timestamp is the capture time relative to the start of the connection.
	Timestamp time.Duration
}

// Chunk is a block of mono float samples in [-1, 1] produced by a capture
// source. Chunks are ephemeral: the consumer copies what it needs.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// DurationSec returns the length of the chunk in seconds. It returns 0 when
// SampleRate is not positive.
func (c Chunk) DurationSec() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}
