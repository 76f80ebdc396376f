// Package transcript turns successive transcription hypotheses into a stable,
// append-only transcript.
//
// Re-transcribing a growing audio buffer produces a new hypothesis every
// cycle, and the tail of each one is unreliable. [LocalAgreement] keeps only
// the words two consecutive hypotheses agree on, [Committed] stores them in
// order, and [BuildPrompt] feeds the recent committed text back to the
// backend so the next pass continues where the last one stopped. An optional
// [Corrector] normalises configured proper nouns before words are committed.
package transcript

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/pseudostream/pkg/types"
)

// Committed is the append-only transcript of one stream. Words are kept in
// non-decreasing start order and are never modified or removed.
//
// Committed is safe for concurrent use.
type Committed struct {
	mu    sync.RWMutex
	words []types.Word
}

// NewCommitted returns an empty transcript.
func NewCommitted() *Committed {
	return &Committed{}
}

// Append adds words in order and returns the ones that were accepted. A word
// with empty text, End < Start, or a start earlier than the previous word's
// start is dropped and logged; the remaining words are still considered.
func (c *Committed) Append(words ...types.Word) []types.Word {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := make([]types.Word, 0, len(words))
	for _, w := range words {
		if w.Text == "" || w.End < w.Start {
			slog.Warn("transcript: dropping malformed word", "text", w.Text, "start", w.Start, "end", w.End)
			continue
		}
		if n := len(c.words); n > 0 && w.Start < c.words[n-1].Start {
			slog.Warn("transcript: dropping out-of-order word",
				"text", w.Text, "start", w.Start, "prev_start", c.words[n-1].Start)
			continue
		}
		c.words = append(c.words, w)
		accepted = append(accepted, w)
	}
	return accepted
}

// Words returns a copy of all committed words.
func (c *Committed) Words() []types.Word {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.Word(nil), c.words...)
}

// Len returns the number of committed words.
func (c *Committed) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.words)
}

// LastEnd returns the end of the last committed word, or fallback when the
// transcript is empty.
func (c *Committed) LastEnd(fallback float64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.LastEnd(c.words, fallback)
}

// Text returns the space-joined transcript.
func (c *Committed) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.JoinText(c.words)
}
