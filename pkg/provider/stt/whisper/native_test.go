package whisper

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func tok(text string, startMs, endMs int) whisperlib.Token {
	return whisperlib.Token{
		Text:  text,
		Start: time.Duration(startMs) * time.Millisecond,
		End:   time.Duration(endMs) * time.Millisecond,
	}
}

// ---- token merging ----------------------------------------------------------

func TestMergeTokens(t *testing.T) {
	words := mergeTokens([]whisperlib.Token{
		tok("[_BEG_]", 0, 0),
		tok(" Hel", 100, 200),
		tok("lo", 200, 400),
		tok(" world", 500, 900),
		tok(".", 900, 950),
		tok("<|endoftext|>", 950, 950),
	})

	want := []stt.Word{
		{Start: 0.1, End: 0.4, Text: "Hello", HasTiming: true},
		{Start: 0.5, End: 0.95, Text: "world.", HasTiming: true},
	}
	if len(words) != len(want) {
		t.Fatalf("words = %+v, want %+v", words, want)
	}
	for i := range want {
		got := words[i]
		if got.Text != want[i].Text || !got.HasTiming ||
			math.Abs(got.Start-want[i].Start) > 1e-9 || math.Abs(got.End-want[i].End) > 1e-9 {
			t.Errorf("word[%d] = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestMergeTokens_FirstTokenWithoutSpace(t *testing.T) {
	words := mergeTokens([]whisperlib.Token{tok("Yes", 0, 300), tok(" no", 300, 600)})
	if len(words) != 2 || words[0].Text != "Yes" || words[1].Text != "no" {
		t.Fatalf("words = %+v", words)
	}
}

func TestMergeTokens_BlankTokensSkipped(t *testing.T) {
	if words := mergeTokens([]whisperlib.Token{tok(" ", 0, 10), tok("[_TT_50]", 10, 20)}); len(words) != 0 {
		t.Fatalf("words = %+v, want none", words)
	}
}

// ---- construction -----------------------------------------------------------

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	_, err := NewNative("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	_, err := NewNative("/nonexistent/path/to/model.bin")
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

// ---- inference (requires a model) -------------------------------------------

func TestNativeTranscribe_Sine(t *testing.T) {
	p, err := NewNative(testModelPath(t), WithNativeThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	pcm := make([]int16, audio.CanonicalRate)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.CanonicalRate))
	}
	resp, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    audio.EncodeWAV(pcm, audio.CanonicalRate),
		Language: "en",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if math.Abs(resp.Duration-1.0) > 1e-6 {
		t.Errorf("Duration = %v, want 1.0", resp.Duration)
	}
}

func TestNativeTranscribe_AfterClose(t *testing.T) {
	p, err := NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	for range 2 {
		if err := p.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	_, err = p.Transcribe(context.Background(), stt.Request{Audio: audio.EncodeWAV(make([]int16, 160), audio.CanonicalRate)})
	if err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestNativeTranscribe_EmptyAudio(t *testing.T) {
	p := &NativeProvider{}
	if _, err := p.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
}
