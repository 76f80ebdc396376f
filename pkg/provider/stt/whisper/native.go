// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared; every Transcribe call creates its own
// inference context, so concurrent calls do not interfere.
type NativeProvider struct {
	model   whisperlib.Model
	threads uint

	// closeMu guards model against use after Close.
	closeMu sync.RWMutex
	closed  bool
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeThreads sets the number of CPU threads per inference. Zero keeps
// the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{model: model}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Safe to call more than once.
func (p *NativeProvider) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed || p.model == nil {
		return nil
	}
	p.closed = true
	return p.model.Close()
}

// Transcribe implements stt.Provider. The WAV upload is decoded to float32
// samples and run through a fresh whisper context with token timestamps on.
// ctx is checked before inference only; the CGO call itself cannot be
// interrupted.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("whisper: %w", stt.ErrEmptyAudio)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	pcm, rate, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	samples := audio.Int16ToFloat32(pcm)
	if rate != audio.CanonicalRate {
		samples = audio.Resample16k(samples, rate)
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return nil, errors.New("whisper: provider is closed")
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if req.Language != "" {
		if err := wctx.SetLanguage(req.Language); err != nil {
			slog.Warn("whisper: failed to set language, using default", "language", req.Language, "err", err)
		}
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	wctx.SetTokenTimestamps(true)
	wctx.SetTemperature(float32(req.Temperature))
	if req.Prompt != "" {
		wctx.SetInitialPrompt(req.Prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	out := &stt.Response{
		Language: req.Language,
		Duration: float64(len(samples)) / float64(audio.CanonicalRate),
	}
	var texts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		out.Segments = append(out.Segments, stt.Segment{
			Start: seconds(seg.Start),
			End:   seconds(seg.End),
			Text:  text,
			Words: mergeTokens(seg.Tokens),
		})
	}
	out.Text = strings.Join(texts, " ")
	return out, nil
}

// mergeTokens joins whisper sub-word tokens into words. A token that starts
// with a space opens a new word; control tokens such as "[_BEG_]" or
// "<|endoftext|>" are skipped.
func mergeTokens(tokens []whisperlib.Token) []stt.Word {
	var words []stt.Word
	for _, tok := range tokens {
		if isControlToken(tok.Text) {
			continue
		}
		start, end := seconds(tok.Start), seconds(tok.End)
		if len(words) == 0 || strings.HasPrefix(tok.Text, " ") {
			text := strings.TrimSpace(tok.Text)
			if text == "" {
				continue
			}
			words = append(words, stt.Word{Start: start, End: end, Text: text, HasTiming: true})
			continue
		}
		last := &words[len(words)-1]
		last.Text += tok.Text
		if end > last.End {
			last.End = end
		}
	}
	return words
}

func isControlToken(text string) bool {
	return strings.HasPrefix(text, "[_") || strings.HasPrefix(text, "<|")
}

func seconds(d time.Duration) float64 { return d.Seconds() }
