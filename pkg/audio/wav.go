package audio

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// EncodeWAV wraps 16-bit mono PCM in a canonical 44-byte RIFF/WAVE header.
// The result is suitable for direct upload to a transcription endpoint.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := len(pcm) * 2
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(buf[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeWAV parses a RIFF/WAVE file holding 16-bit PCM and returns mono
// samples and the sample rate. Stereo input is downmixed by averaging; for
// more channels only the first channel is kept. Unknown chunks (LIST, fact,
// ...) are skipped.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: decode wav: missing RIFF/WAVE header: %w", ErrUnsupportedFormat)
	}

	var (
		format, channels, bits uint16
		sampleRate             int
		payload                []byte
		haveFmt                bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		start := offset + 8
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-start < 16 {
				return nil, 0, fmt.Errorf("audio: decode wav: short fmt chunk: %w", ErrUnsupportedFormat)
			}
			format = binary.LittleEndian.Uint16(data[start:])
			channels = binary.LittleEndian.Uint16(data[start+2:])
			sampleRate = int(binary.LittleEndian.Uint32(data[start+4:]))
			bits = binary.LittleEndian.Uint16(data[start+14:])
			haveFmt = true
		case "data":
			payload = data[start:end]
		}
		// Chunks are word aligned.
		offset = end + size%2
	}

	if !haveFmt || payload == nil {
		return nil, 0, fmt.Errorf("audio: decode wav: missing fmt or data chunk: %w", ErrUnsupportedFormat)
	}
	// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, which carries plain PCM for 16-bit data.
	if (format != 1 && format != 0xFFFE) || bits != 16 || channels == 0 {
		return nil, 0, fmt.Errorf("audio: decode wav: format=%d bits=%d channels=%d: %w",
			format, bits, channels, ErrUnsupportedFormat)
	}

	switch {
	case channels == 2:
		payload = StereoToMono(payload)
	case channels > 2:
		payload = firstChannel(payload, int(channels))
	}
	pcm := make([]int16, len(payload)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return pcm, sampleRate, nil
}

// Int16ToFloat32 converts quantized samples back to floats in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
