package audio

import "math"

// Default corner frequencies of the speech band-pass.
const (
	DefaultHighPassHz = 100
	DefaultLowPassHz  = 7000
)

// biquad is a second-order IIR section in transposed direct form II.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

func (q *biquad) step(x float64) float64 {
	y := q.b0*x + q.z1
	q.z1 = q.b1*x - q.a1*y + q.z2
	q.z2 = q.b2*x - q.a2*y
	return y
}

// newBiquad builds a Butterworth (Q = 1/sqrt 2) high- or low-pass section
// using the RBJ audio EQ cookbook formulas.
func newBiquad(sampleRate, cutoff float64, highPass bool) *biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / math.Sqrt2 // sin(w0) / 2Q
	a0 := 1 + alpha

	var b0, b1, b2 float64
	if highPass {
		b0 = (1 + cosW) / 2
		b1 = -(1 + cosW)
		b2 = (1 + cosW) / 2
	} else {
		b0 = (1 - cosW) / 2
		b1 = 1 - cosW
		b2 = (1 - cosW) / 2
	}
	return &biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

// BandPass limits a mono signal to the speech band by cascading a high-pass
// and a low-pass section. It is stateful and must be used for one stream
// only.
type BandPass struct {
	sections []*biquad
}

// NewBandPass creates a band-pass filter for audio at sampleRate. A corner
// that is not positive, or a low-pass corner at or above Nyquist, disables
// that section.
func NewBandPass(sampleRate int, highPassHz, lowPassHz float64) *BandPass {
	bp := &BandPass{}
	sr := float64(sampleRate)
	if sampleRate <= 0 {
		return bp
	}
	if highPassHz > 0 && highPassHz < sr/2 {
		bp.sections = append(bp.sections, newBiquad(sr, highPassHz, true))
	}
	if lowPassHz > 0 && lowPassHz < sr/2 {
		bp.sections = append(bp.sections, newBiquad(sr, lowPassHz, false))
	}
	return bp
}

// Process filters samples and returns a new slice.
func (bp *BandPass) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float64(s)
		for _, q := range bp.sections {
			v = q.step(v)
		}
		out[i] = float32(v)
	}
	return out
}
