package stream

import (
	"math"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/types"
)

// promptKeepSec is how far before the buffer start working-set words are
// kept for the priming prompt.
const promptKeepSec = 0.2

// Trim policies reported in metrics.
const (
	trimSegment = "segment"
	trimHard    = "hard"
)

// Buffer is the rolling 16 kHz audio window of one stream together with the
// committed words used to prime the next request.
//
// Buffer is a value: every method returns a new Buffer and never modifies
// the receiver's slices.
type Buffer struct {
	// Samples is mono audio at [audio.CanonicalRate].
	Samples []float32

	// OffsetSec is the absolute stream time of Samples[0]. It only grows.
	OffsetSec float64

	// Recent is the prompt working set: committed words near the buffer.
	Recent []types.Word
}

// Append returns b with samples added to the end.
func (b Buffer) Append(samples []float32) Buffer {
	b.Samples = audio.Concat(b.Samples, samples)
	return b
}

// DurationSec returns the buffered audio length in seconds.
func (b Buffer) DurationSec() float64 {
	return float64(len(b.Samples)) / audio.CanonicalRate
}

// EndSec returns the absolute time just after the last sample.
func (b Buffer) EndSec() float64 {
	return b.OffsetSec + b.DurationSec()
}

// Remember returns b with words added to the prompt working set.
func (b Buffer) Remember(words []types.Word) Buffer {
	if len(words) == 0 {
		return b
	}
	recent := make([]types.Word, 0, len(b.Recent)+len(words))
	recent = append(recent, b.Recent...)
	b.Recent = append(recent, words...)
	return b
}

// TrimBySegment drops audio up to the latest segment end at or before
// lastEnd, once the buffer is longer than ceilingSec. Segment times are
// absolute. Nothing happens when no segment qualifies or the cut would fall
// outside the buffer.
func (b Buffer) TrimBySegment(segments []types.Segment, lastEnd, ceilingSec float64) Buffer {
	if b.DurationSec() <= ceilingSec {
		return b
	}
	for i := len(segments) - 1; i >= 0; i-- {
		if end := segments[i].End; end <= lastEnd {
			return b.cut(end)
		}
	}
	return b
}

// HardTrim drops audio up to lastEnd.
func (b Buffer) HardTrim(lastEnd float64) Buffer {
	return b.cut(lastEnd)
}

// cut removes the samples before the absolute time at and moves OffsetSec
// to at. Cuts at or before the first sample, or at or past the last, are
// ignored.
func (b Buffer) cut(at float64) Buffer {
	idx := int(math.Floor((at - b.OffsetSec) * audio.CanonicalRate))
	if idx <= 0 || idx >= len(b.Samples) {
		return b
	}
	b.Samples = append([]float32(nil), b.Samples[idx:]...)
	b.OffsetSec = at

	keepFrom := at - promptKeepSec
	recent := make([]types.Word, 0, len(b.Recent))
	for _, w := range b.Recent {
		if w.End > keepFrom {
			recent = append(recent, w)
		}
	}
	b.Recent = recent
	return b
}
