package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/pseudostream/internal/transcript/phonetic"
	"github.com/MrWong99/pseudostream/pkg/types"
)

const (
	defaultMinTokenLen   = 4
	defaultMinConfidence = 0.80
)

// PhoneticMatcher resolves a phrase to a vocabulary term by pronunciation.
// *phonetic.Matcher is the production implementation.
type PhoneticMatcher interface {
	Match(phrase string, v *phonetic.Vocabulary) (corrected string, confidence float64, matched bool)
}

// Correction records one substitution made by a [Corrector].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
	Start      float64
	End        float64
}

// CorrectorOption configures a [Corrector].
type CorrectorOption func(*Corrector)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m PhoneticMatcher) CorrectorOption {
	return func(c *Corrector) { c.matcher = m }
}

// WithMinTokenLen sets the shortest single word (in letters) that may be
// replaced. Short function words are never rewritten. Default: 4.
func WithMinTokenLen(n int) CorrectorOption {
	return func(c *Corrector) { c.minTokenLen = n }
}

// WithMinConfidence sets the lowest match score that is applied.
// Default: 0.80.
func WithMinConfidence(f float64) CorrectorOption {
	return func(c *Corrector) { c.minConfidence = f }
}

// Corrector rewrites misheard proper nouns in freshly agreed words before
// they are committed. A multi-word window that matches one term collapses
// into a single word spanning the window. A nil *Corrector is valid and
// leaves words untouched.
//
// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	vocab         *phonetic.Vocabulary
	matcher       PhoneticMatcher
	minTokenLen   int
	minConfidence float64
}

// NewCorrector prepares a Corrector for terms.
func NewCorrector(terms []string, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		vocab:         phonetic.NewVocabulary(terms),
		matcher:       phonetic.New(),
		minTokenLen:   defaultMinTokenLen,
		minConfidence: defaultMinConfidence,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Terms returns the configured vocabulary.
func (c *Corrector) Terms() []string {
	if c == nil {
		return nil
	}
	return c.vocab.Terms()
}

// Correct returns words with vocabulary substitutions applied plus the list
// of substitutions. The input slice is not modified.
//
// At each position the longest window (up to the longest term's word count)
// that matches a term wins. Punctuation around the window is kept.
func (c *Corrector) Correct(words []types.Word) ([]types.Word, []Correction) {
	if c == nil || c.vocab.Len() == 0 || len(words) == 0 {
		return words, nil
	}

	out := make([]types.Word, 0, len(words))
	var corrections []Correction

	for i := 0; i < len(words); {
		maxN := min(c.vocab.MaxWords(), len(words)-i)
		matched := false
		for n := maxN; n >= 1; n-- {
			w, corr, ok := c.tryWindow(words[i : i+n])
			if !ok {
				continue
			}
			out = append(out, w)
			if corr != nil {
				corrections = append(corrections, *corr)
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, words[i])
			i++
		}
	}
	return out, corrections
}

// tryWindow matches window against the vocabulary. A match that already has
// the right spelling consumes the window without recording a correction.
// When the term has fewer words than the window and the window minus its
// first or last word matches the same term, the window is rejected so a
// neighbouring word is not swallowed.
func (c *Corrector) tryWindow(window []types.Word) (types.Word, *Correction, bool) {
	term, conf, phrase, ok := c.match(window)
	if !ok {
		return types.Word{}, nil, false
	}
	if n := len(window); n > 1 && len(strings.Fields(term)) < n {
		if t, _, _, ok := c.match(window[1:]); ok && t == term {
			return types.Word{}, nil, false
		}
		if t, _, _, ok := c.match(window[:n-1]); ok && t == term {
			return types.Word{}, nil, false
		}
	}

	first, last := window[0], window[len(window)-1]
	lead, _ := splitPunct(first.Text)
	_, trail := splitPunct(last.Text)
	w := types.Word{Start: first.Start, End: last.End, Text: lead + term + trail}
	if term == phrase {
		return w, nil, true
	}
	original := make([]string, len(window))
	for j, ww := range window {
		original[j] = ww.Text
	}
	return w, &Correction{
		Original:   strings.Join(original, " "),
		Corrected:  w.Text,
		Confidence: conf,
		Start:      w.Start,
		End:        w.End,
	}, true
}

func (c *Corrector) match(window []types.Word) (term string, conf float64, phrase string, ok bool) {
	cores := make([]string, len(window))
	for j, w := range window {
		cores[j] = core(w.Text)
		if cores[j] == "" {
			return "", 0, "", false
		}
	}
	phrase = strings.Join(cores, " ")
	if len(window) == 1 && letterCount(phrase) < c.minTokenLen {
		return "", 0, "", false
	}
	term, conf, ok = c.matcher.Match(phrase, c.vocab)
	if !ok || conf < c.minConfidence {
		return "", 0, "", false
	}
	// A single matching token is not enough for a multi-word window; the
	// window as a whole has to sound like the term.
	if len(window) > 1 {
		joined := strings.ToLower(strings.Join(cores, ""))
		target := strings.ToLower(strings.ReplaceAll(term, " ", ""))
		if matchr.JaroWinkler(joined, target, false) < c.minConfidence {
			return "", 0, "", false
		}
	}
	return term, conf, phrase, true
}

// core strips leading and trailing punctuation.
func core(s string) string {
	return strings.TrimFunc(s, isPunct)
}

// splitPunct returns the leading and trailing punctuation of s.
func splitPunct(s string) (lead, trail string) {
	c := core(s)
	if c == "" {
		return s, ""
	}
	i := strings.Index(s, c)
	return s[:i], s[i+len(c):]
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
