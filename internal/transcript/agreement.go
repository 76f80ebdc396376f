package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/pseudostream/pkg/types"
)

const (
	// agreementWindowSec is how far before lastEnd both hypotheses are
	// compared, so a re-heard word straddling the commit point still lines up.
	agreementWindowSec = 1.0

	// promptChars is the length at which BuildPrompt stops adding words.
	promptChars = 200

	// DefaultPromptBudget caps the prompt after vocabulary hints are added.
	DefaultPromptBudget = 400
)

// LocalAgreement returns the words of curr that prev already agreed on and
// that start at or after lastEnd.
//
// Both hypotheses are restricted to words starting at or after
// lastEnd - 1s. The longest common prefix of the two restricted lists is
// taken, comparing text case-insensitively; its words from curr that start
// before lastEnd are dropped. The result never contains a word starting
// before lastEnd, so it can be appended to the committed transcript as-is.
func LocalAgreement(prev, curr []types.Word, lastEnd float64) []types.Word {
	ws := lastEnd - agreementWindowSec
	p := windowFrom(prev, ws)
	c := windowFrom(curr, ws)

	n := 0
	for n < len(p) && n < len(c) && strings.EqualFold(p[n].Text, c[n].Text) {
		n++
	}

	out := make([]types.Word, 0, n)
	for _, w := range c[:n] {
		if w.Start >= lastEnd {
			out = append(out, w)
		}
	}
	return out
}

func windowFrom(words []types.Word, start float64) []types.Word {
	out := make([]types.Word, 0, len(words))
	for _, w := range words {
		if w.Start >= start {
			out = append(out, w)
		}
	}
	return out
}

// BuildPrompt returns the text of the words ending at or before offsetSec,
// newest last. Words are prepended walking backwards until the prompt reaches
// 200 characters, so the result can run slightly longer than that.
func BuildPrompt(words []types.Word, offsetSec float64) string {
	var parts []string
	n := 0
	for i := len(words) - 1; i >= 0 && n < promptChars; i-- {
		w := words[i]
		if w.End > offsetSec {
			continue
		}
		parts = append(parts, w.Text)
		if n > 0 {
			n++
		}
		n += utf8.RuneCountInString(w.Text)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " ")
}

// WithVocabulary prefixes prompt with vocabulary terms that it does not
// already mention, as long as the result stays within budget characters.
// Terms come first so the recent context stays at the end of the prompt.
func WithVocabulary(prompt string, terms []string, budget int) string {
	if len(terms) == 0 {
		return prompt
	}
	lower := strings.ToLower(prompt)
	used := utf8.RuneCountInString(prompt)
	var hints []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || strings.Contains(lower, strings.ToLower(t)) {
			continue
		}
		// ", " between hints plus ". " before the prompt.
		cost := utf8.RuneCountInString(t) + 2
		if used+cost > budget {
			break
		}
		hints = append(hints, t)
		used += cost
	}
	if len(hints) == 0 {
		return prompt
	}
	head := strings.Join(hints, ", ") + "."
	if prompt == "" {
		return head
	}
	return head + " " + prompt
}
