// Package phonetic matches misheard phrases against a fixed vocabulary of
// proper nouns using Double Metaphone codes and Jaro-Winkler similarity.
//
// A [Vocabulary] precomputes the phonetic codes of every term once. A
// [Matcher] then ranks terms for an input phrase in two passes:
//
//  1. Terms sharing at least one Double Metaphone code with the phrase are
//     phonetic candidates; the best Jaro-Winkler score above the phonetic
//     threshold wins.
//  2. Without a phonetic candidate, any term whose Jaro-Winkler score clears
//     the stricter fuzzy threshold is accepted.
//
// Multi-word terms (e.g., "Tower of Whispers") are compared as full strings,
// as space-stripped strings and token by token; the best score counts.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// term is one vocabulary entry with its precomputed comparison forms.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Vocabulary is an immutable, precomputed list of terms. Safe for concurrent
// use.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// NewVocabulary prepares terms for matching. Blank entries are ignored and
// duplicates (case-insensitive) keep their first spelling.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			original: strings.TrimSpace(t),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of distinct terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term, or 0 when empty.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Terms returns the distinct terms in their original spelling.
func (v *Vocabulary) Terms() []string {
	out := make([]string, len(v.terms))
	for i, t := range v.terms {
		out[i] = t.original
	}
	return out
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// shares a phonetic code with the input. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks vocabulary terms for an input phrase. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the supplied options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the vocabulary term most similar to phrase. When nothing
// clears the thresholds it returns phrase unchanged, 0 and false.
func (m *Matcher) Match(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	if v == nil || len(v.terms) == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	codes := codesForTokens(tokens)

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		score := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(codes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}

	if best == nil {
		return phrase, 0, false
	}
	return best.original, bestScore, true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Tokens without consonants produce empty codes, which are skipped.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false)
		score = max(score, s)
	}

	for _, it := range inputTokens {
		for _, tt := range termTokens {
			score = max(score, matchr.JaroWinkler(it, tt, false))
		}
	}
	return score
}
