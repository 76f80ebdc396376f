// Package types defines the value types shared across all pseudostream
// packages: timed words, transcription segments and the per-cycle hypothesis.
//
// All times are absolute seconds measured from the start of the stream unless
// a field's documentation says otherwise.
package types

import "strings"

// Word is a single timed token of a transcript.
//
// Words are immutable values. Start is always <= End. Once a Word has been
// committed to a transcript it is never modified.
type Word struct {
	// Start is the absolute start time in seconds.
	Start float64 `json:"start"`

	// End is the absolute end time in seconds.
	End float64 `json:"end"`

	// Text is the token text as produced by the transcription backend,
	// trimmed of surrounding whitespace.
	Text string `json:"text"`
}

// Duration returns End - Start.
func (w Word) Duration() float64 { return w.End - w.Start }

// Segment is a backend-reported phrase with absolute timing. Segments are used
// only to pick safe trim points in the audio buffer.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`

	// Words holds the words that fall inside this segment, when known.
	Words []Word `json:"words,omitempty"`
}

// Hypothesis is the complete result of one transcription cycle over the
// current audio buffer. It is replaced wholesale on every cycle.
type Hypothesis struct {
	Words    []Word    `json:"words"`
	Segments []Segment `json:"segments"`
}

// Empty reports whether the hypothesis carries no words and no segments.
func (h Hypothesis) Empty() bool { return len(h.Words) == 0 && len(h.Segments) == 0 }

// JoinText returns the space-joined text of words.
func JoinText(words []Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}

// LastEnd returns the end time of the last word, or fallback when words is
// empty.
func LastEnd(words []Word, fallback float64) float64 {
	if len(words) == 0 {
		return fallback
	}
	return words[len(words)-1].End
}
