// Package transcribe turns the audio buffer of one stream into a timed
// hypothesis by calling a whole-buffer [stt.Provider].
//
// The [Adapter] owns everything between raw samples and [types.Hypothesis]:
// WAV encoding, prompt construction from committed words, the request
// parameters that keep repeated passes stable (temperature 0, word and
// segment timestamps) and normalisation of whatever timing detail the
// backend returns into absolute word timings. Backend failures never reach
// the caller; a failed cycle yields an empty hypothesis.
package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/internal/transcript"
	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
	"github.com/MrWong99/pseudostream/pkg/types"
)

// minSegmentSec is the shortest span evenly spaced pseudo-words are laid over.
const minSegmentSec = 1e-3

// Option is a functional option for [New].
type Option func(*Adapter)

// WithName sets the backend name used in logs and metrics. Default: "stt".
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithLanguage sets the ISO-639-1 language hint sent with every request.
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.language = lang }
}

// WithVocabularyHints prefixes the priming prompt with terms while the
// prompt stays within budget characters. A budget <= 0 selects
// [transcript.DefaultPromptBudget].
func WithVocabularyHints(terms []string, budget int) Option {
	return func(a *Adapter) {
		a.hints = append([]string(nil), terms...)
		a.budget = budget
		if a.budget <= 0 {
			a.budget = transcript.DefaultPromptBudget
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter calls a transcription backend for one buffer at a time. It holds
// no per-stream state and is safe for concurrent use when the provider is.
type Adapter struct {
	provider stt.Provider
	name     string
	language string
	hints    []string
	budget   int
	metrics  *observe.Metrics
}

// New returns an Adapter that sends requests to p.
func New(p stt.Provider, opts ...Option) *Adapter {
	a := &Adapter{provider: p, name: "stt"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Name returns the backend name.
func (a *Adapter) Name() string { return a.name }

// Transcribe sends samples (16 kHz mono, first sample at offsetSec) to the
// backend and returns the hypothesis with absolute timings. committed is the
// prompt working set; words ending after offsetSec are ignored.
//
// An empty buffer returns an empty hypothesis without calling the backend.
// Backend errors are logged and counted and also yield an empty hypothesis.
func (a *Adapter) Transcribe(ctx context.Context, samples []float32, committed []types.Word, offsetSec float64) types.Hypothesis {
	if len(samples) == 0 {
		return types.Hypothesis{}
	}

	ctx, span := observe.StartSpan(ctx, "transcribe.buffer")
	defer span.End()

	durSec := float64(len(samples)) / audio.CanonicalRate
	prompt := transcript.BuildPrompt(committed, offsetSec)
	if len(a.hints) > 0 {
		prompt = transcript.WithVocabulary(prompt, a.hints, a.budget)
	}
	span.SetAttributes(
		attribute.String("backend", a.name),
		attribute.Float64("buffer.offset_sec", offsetSec),
		attribute.Float64("buffer.duration_sec", durSec),
		attribute.Int("prompt.chars", len(prompt)),
	)

	req := stt.Request{
		Audio:         audio.EncodeWAV(audio.Quantize(samples), audio.CanonicalRate),
		Language:      a.language,
		Prompt:        prompt,
		Temperature:   0,
		Granularities: []stt.Granularity{stt.GranularityWord, stt.GranularitySegment},
	}

	start := time.Now()
	resp, err := a.provider.Transcribe(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.RecordTranscriberError(ctx, a.name)
		observe.Logger(ctx).Warn("transcribe: backend call failed",
			"backend", a.name,
			"offset_sec", offsetSec,
			"buffer_sec", durSec,
			"elapsed", time.Since(start),
			"err", err,
		)
		return types.Hypothesis{}
	}
	if resp == nil {
		return types.Hypothesis{}
	}

	hyp := Normalize(resp, offsetSec, durSec)
	span.SetAttributes(attribute.Int("hypothesis.words", len(hyp.Words)))
	slog.Debug("transcribe: hypothesis",
		"backend", a.name,
		"offset_sec", offsetSec,
		"words", len(hyp.Words),
		"segments", len(hyp.Segments),
		"elapsed", time.Since(start),
	)
	return hyp
}

// Normalize converts a backend response with times relative to the upload
// into a hypothesis with absolute times.
//
// Segments are shifted by offsetSec. Words take their backend timings,
// falling back to the enclosing segment bounds; starts are clamped to >= 0
// and ends to >= start. A segment with text but no words is split into
// evenly spaced pseudo-words. When the response has free text but no words
// at all, pseudo-words are spread over the whole buffer (durSec long).
func Normalize(resp *stt.Response, offsetSec, durSec float64) types.Hypothesis {
	var hyp types.Hypothesis
	for _, seg := range resp.Segments {
		s0 := seg.Start + offsetSec
		s1 := seg.End + offsetSec
		if s1 < s0 {
			s1 = s0
		}

		var words []types.Word
		if len(seg.Words) > 0 {
			for _, w := range seg.Words {
				text := strings.TrimSpace(w.Text)
				if text == "" {
					continue
				}
				b, e := s0, s1
				if w.HasTiming {
					b, e = w.Start+offsetSec, w.End+offsetSec
				}
				b = max(0, b)
				words = append(words, types.Word{Start: b, End: max(b, e), Text: text})
			}
		} else {
			words = spread(seg.Text, s0, max(minSegmentSec, s1-s0))
		}

		hyp.Segments = append(hyp.Segments, types.Segment{
			Start: s0,
			End:   s1,
			Text:  strings.TrimSpace(seg.Text),
			Words: words,
		})
		hyp.Words = append(hyp.Words, words...)
	}

	if len(hyp.Words) == 0 && strings.TrimSpace(resp.Text) != "" {
		hyp.Words = spread(resp.Text, offsetSec, max(minSegmentSec, durSec))
	}
	return hyp
}

// spread lays the whitespace-separated tokens of text evenly over
// [start, start+dur).
func spread(text string, start, dur float64) []types.Word {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	step := dur / float64(len(tokens))
	out := make([]types.Word, len(tokens))
	for i, tok := range tokens {
		b := max(0, start+float64(i)*step)
		out[i] = types.Word{Start: b, End: max(b, start+float64(i+1)*step), Text: tok}
	}
	return out
}
