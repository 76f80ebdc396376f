package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter turns raw PCM frames from a platform connection into mono
// float Chunks at the frame's native sample rate. Resampling to the canonical
// rate is left to the consumer.
//
// Optional band-pass conditioning is applied after the downmix when BandPass
// is set. A FormatConverter must not be shared between streams because the
// filter carries state.
//
// The zero value is ready to use.
type FormatConverter struct {
	// BandPass, when non-nil, filters every converted chunk.
	BandPass *BandPass

	warnedChannels sync.Once
	warnedCorrupt  sync.Once
}

// Convert decodes frame into a mono Chunk. Frames with an odd byte count are
// dropped (an empty Chunk is returned) and a warning is logged once.
func (c *FormatConverter) Convert(frame AudioFrame) Chunk {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return Chunk{SampleRate: frame.SampleRate}
	}

	pcm := frame.Data
	switch {
	case frame.Channels == 2:
		pcm = StereoToMono(pcm)
	case frame.Channels > 2:
		c.warnedChannels.Do(func() {
			slog.Warn("audio format converter: keeping first channel only",
				"format", formatString(frame.SampleRate, frame.Channels),
			)
		})
		pcm = firstChannel(pcm, frame.Channels)
	}

	samples := PCM16ToFloat32(pcm)
	if c.BandPass != nil {
		samples = c.BandPass.Process(samples)
	}
	return Chunk{Samples: samples, SampleRate: frame.SampleRate}
}

// ConvertStream reads frames from in, converts them and forwards non-empty
// chunks on the returned channel. The output channel is closed when in is
// closed.
func ConvertStream(in <-chan AudioFrame, conv *FormatConverter) <-chan Chunk {
	out := make(chan Chunk, cap(in))
	go func() {
		defer close(out)
		for frame := range in {
			chunk := conv.Convert(frame)
			if len(chunk.Samples) == 0 {
				continue
			}
			out <- chunk
		}
	}()
	return out
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM bytes to float
// samples in [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// StereoToMono converts interleaved stereo 16-bit PCM to mono by averaging
// the left and right channels of each frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		avg := (l + r) / 2
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

func firstChannel(pcm []byte, channels int) []byte {
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		copy(out[i*2:i*2+2], pcm[i*stride:i*stride+2])
	}
	return out
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
