package vad

// Event reports the speech boundaries observed during one Feed call. Times are
// absolute stream seconds. Only the last start and the last end seen within a
// call are reported.
type Event struct {
	Start    float64
	End      float64
	HasStart bool
	HasEnd   bool
}
