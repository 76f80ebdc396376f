package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/pseudostream/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	got := bytesToSamples(audio.StereoToMono(stereo))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_StereoDownmix(t *testing.T) {
	var conv audio.FormatConverter
	chunk := conv.Convert(audio.AudioFrame{
		Data:       samplesToBytes([]int16{16384, 16384, -16384, -16384}),
		SampleRate: 48000,
		Channels:   2,
	})
	if chunk.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", chunk.SampleRate)
	}
	if len(chunk.Samples) != 2 {
		t.Fatalf("len(Samples) = %d, want 2", len(chunk.Samples))
	}
	if chunk.Samples[0] != 0.5 || chunk.Samples[1] != -0.5 {
		t.Errorf("Samples = %v, want [0.5 -0.5]", chunk.Samples)
	}
}

func TestFormatConverter_OddBytesDropped(t *testing.T) {
	var conv audio.FormatConverter
	chunk := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(chunk.Samples) != 0 {
		t.Errorf("expected empty chunk, got %d samples", len(chunk.Samples))
	}
}

func TestConvertStream_SkipsEmptyAndCloses(t *testing.T) {
	in := make(chan audio.AudioFrame, 3)
	in <- audio.AudioFrame{Data: []byte{1}, SampleRate: 16000, Channels: 1}
	in <- audio.AudioFrame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 16000, Channels: 1}
	close(in)

	var got []audio.Chunk
	for c := range audio.ConvertStream(in, &audio.FormatConverter{}) {
		got = append(got, c)
	}
	if len(got) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got))
	}
	if len(got[0].Samples) != 3 {
		t.Errorf("chunk has %d samples, want 3", len(got[0].Samples))
	}
}
