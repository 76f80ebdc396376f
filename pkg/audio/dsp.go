package audio

import "math"

// CanonicalRate is the sample rate of the rolling transcription buffer and of
// every WAV payload sent to a transcription backend.
const CanonicalRate = 16000

// Resample16k converts mono samples at sourceRate to CanonicalRate using
// linear interpolation. When sourceRate already equals CanonicalRate the input
// slice is returned unchanged. The output length is
// round(len(samples) * CanonicalRate / sourceRate).
func Resample16k(samples []float32, sourceRate int) []float32 {
	if sourceRate == CanonicalRate || sourceRate <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return []float32{}
	}
	ratio := float64(sourceRate) / CanonicalRate
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)
	last := len(samples) - 1
	for i := range outLen {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 > last {
			i0 = last
		}
		i1 := min(i0+1, last)
		frac := float32(pos - float64(i0))
		out[i] = samples[i0]*(1-frac) + samples[i1]*frac
	}
	return out
}

// Concat returns a new slice holding a followed by b. Neither input is
// retained.
func Concat(a, b []float32) []float32 {
	out := make([]float32, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}

// Quantize converts float samples to 16-bit signed integers. Values are
// clamped to [-1, 1]; negative samples scale by 32768 and non-negative
// samples by 32767 so both extremes map exactly onto the int16 range.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		s = max(-1, min(1, s))
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7fff)
		}
	}
	return out
}

// RMS returns the root-mean-square amplitude of samples, or 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
