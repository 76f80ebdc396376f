package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pseudostream/internal/app"
	"github.com/MrWong99/pseudostream/internal/config"
	"github.com/MrWong99/pseudostream/internal/store"
	"github.com/MrWong99/pseudostream/pkg/audio"
	audiomock "github.com/MrWong99/pseudostream/pkg/audio/mock"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
	sttmock "github.com/MrWong99/pseudostream/pkg/provider/stt/mock"
)

// helloWorld is a backend reply with two timed words.
func helloWorld() *stt.Response {
	return &stt.Response{
		Text: "hello world",
		Segments: []stt.Segment{{
			Start: 0, End: 1, Text: "hello world",
			Words: []stt.Word{
				{Start: 0.1, End: 0.4, Text: "hello", HasTiming: true},
				{Start: 0.5, End: 0.9, Text: "world", HasTiming: true},
			},
		}},
	}
}

// streamConfig disables VAD and pushes cadence flushes far out so a session
// transcribes exactly once, on stop.
func streamConfig() config.StreamConfig {
	off := false
	return config.StreamConfig{
		Language:          "en",
		MinChunkSec:       60,
		BufferTrimSec:     8,
		UseVAD:            &off,
		SilenceCooldownMs: 600,
	}
}

func oneSecond() audio.Chunk {
	return audio.Chunk{Samples: make([]float32, 16000), SampleRate: 16000}
}

// recordingSink collects the events sent to it.
type recordingSink struct {
	mu     sync.Mutex
	events []app.Event
}

func (s *recordingSink) Send(_ context.Context, v any) error {
	ev, ok := v.(app.Event)
	if !ok {
		return errors.New("unexpected event type")
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []app.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]app.Event(nil), s.events...)
}

func newTestSessionManager(t *testing.T, cf config.StreamConfig) (*app.SessionManager, *sttmock.Provider, *store.Memory) {
	t.Helper()
	tr := &sttmock.Provider{Responses: []sttmock.Result{{Response: helloWorld()}}}
	st := store.NewMemory()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Transcriber: tr,
		Backend:     "mock",
		Stream:      cf,
		Store:       st,
	})
	return sm, tr, st
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionManager_TranscribesUntilSourceEnds(t *testing.T) {
	t.Parallel()

	sm, tr, st := newTestSessionManager(t, streamConfig())
	src := audiomock.NewSource(4)
	src.Push(oneSecond())
	src.End()
	sink := &recordingSink{}

	ctx := waitCtx(t)
	id, err := sm.Start(ctx, "websocket", src, sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(id, "websocket-") {
		t.Errorf("id = %q, want websocket- prefix", id)
	}
	if err := sm.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if n := tr.CallCount(); n != 1 {
		t.Errorf("transcribe calls = %d, want 1", n)
	}
	if got := tr.Calls()[0].Req.Language; got != "en" {
		t.Errorf("language = %q, want en", got)
	}

	sess, err := st.Session(ctx, id)
	if err != nil {
		t.Fatalf("store.Session: %v", err)
	}
	if sess.Text != "hello world" {
		t.Errorf("stored text = %q, want %q", sess.Text, "hello world")
	}
	if sess.EndedAt.IsZero() {
		t.Error("stored session not ended")
	}
	words, _ := st.Words(ctx, id)
	if len(words) != 2 {
		t.Errorf("stored words = %d, want 2", len(words))
	}

	events := sink.snapshot()
	wantTypes := []string{"word", "word", "transcript"}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %+v, want types %v", events, wantTypes)
	}
	for i, want := range wantTypes {
		if events[i].Type != want || events[i].Session != id {
			t.Errorf("event[%d] = %+v, want type %q", i, events[i], want)
		}
	}
	if events[2].Text != "hello world" {
		t.Errorf("transcript event text = %q", events[2].Text)
	}
	if src.CloseCalls() != 1 {
		t.Errorf("source Close calls = %d, want 1", src.CloseCalls())
	}
	if len(sm.Sessions()) != 0 {
		t.Errorf("sessions after end = %d, want 0", len(sm.Sessions()))
	}
}

func TestSessionManager_StopFlushesAndCloses(t *testing.T) {
	t.Parallel()

	sm, _, st := newTestSessionManager(t, streamConfig())
	src := audiomock.NewSource(4)
	src.Push(oneSecond())

	ctx := waitCtx(t)
	id, err := sm.Start(ctx, "discord:Alice", src, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(id, "discord-alice-") {
		t.Errorf("id = %q, want sanitised discord-alice- prefix", id)
	}

	infos := sm.Sessions()
	if len(infos) != 1 || infos[0].ID != id || infos[0].Source != "discord:Alice" {
		t.Fatalf("Sessions() = %+v", infos)
	}

	// Give the loop a moment to consume the chunk before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := sm.Sessions(); len(s) == 1 && s[0].Stats.BufferSec > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunk never reached the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sm.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sm.Stop(ctx, id); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("second Stop err = %v, want ErrSessionNotFound", err)
	}
	if sess, _ := st.Session(ctx, id); sess.Text != "hello world" {
		t.Errorf("stored text = %q, want final flush result", sess.Text)
	}
	if src.CloseCalls() != 1 {
		t.Errorf("source Close calls = %d, want 1", src.CloseCalls())
	}
}

func TestSessionManager_StopAll(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t, streamConfig())
	ctx := waitCtx(t)
	var srcs []*audiomock.Source
	for range 3 {
		src := audiomock.NewSource(1)
		srcs = append(srcs, src)
		if _, err := sm.Start(ctx, "websocket", src, nil); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := len(sm.Sessions()); n != 3 {
		t.Fatalf("sessions = %d, want 3", n)
	}
	if err := sm.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if n := len(sm.Sessions()); n != 0 {
		t.Errorf("sessions after StopAll = %d, want 0", n)
	}
	for i, src := range srcs {
		if src.CloseCalls() != 1 {
			t.Errorf("source %d Close calls = %d, want 1", i, src.CloseCalls())
		}
	}
}

func TestSessionManager_UnknownSession(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t, streamConfig())
	ctx := context.Background()
	if err := sm.Stop(ctx, "nope"); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("Stop err = %v", err)
	}
	if err := sm.Wait(ctx, "nope"); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("Wait err = %v", err)
	}
	if _, ok := sm.Transcript("nope"); ok {
		t.Error("Transcript reported an unknown session")
	}
}

func TestSessionManager_VocabularyInPrompt(t *testing.T) {
	t.Parallel()

	sm, tr, _ := newTestSessionManager(t, streamConfig())
	cf := sm.StreamConfig()
	cf.Vocabulary = []string{"Kubernetes", "Postgres"}
	cf.VocabularyInPrompt = true
	sm.SetStreamConfig(cf)

	src := audiomock.NewSource(2)
	src.Push(oneSecond())
	src.End()
	ctx := waitCtx(t)
	id, err := sm.Start(ctx, "file", src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.Wait(ctx, id); err != nil {
		t.Fatal(err)
	}
	if tr.CallCount() == 0 {
		t.Fatal("no transcribe call")
	}
	if p := tr.Calls()[0].Req.Prompt; !strings.Contains(p, "Kubernetes") || !strings.Contains(p, "Postgres") {
		t.Errorf("prompt = %q, want vocabulary hints", p)
	}
}

// failingStore rejects new sessions.
type failingStore struct{ *store.Memory }

func (failingStore) BeginSession(context.Context, store.Session) error {
	return errors.New("disk full")
}

func TestSessionManager_StartFailsWhenStoreRejects(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Transcriber: &sttmock.Provider{},
		Stream:      streamConfig(),
		Store:       failingStore{store.NewMemory()},
	})
	if _, err := sm.Start(context.Background(), "websocket", audiomock.NewSource(1), nil); err == nil {
		t.Fatal("Start succeeded with a failing store")
	}
	if n := len(sm.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}
