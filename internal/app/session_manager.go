package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pseudostream/internal/config"
	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/internal/store"
	"github.com/MrWong99/pseudostream/internal/stream"
	"github.com/MrWong99/pseudostream/internal/transcribe"
	"github.com/MrWong99/pseudostream/internal/transcript"
	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
	"github.com/MrWong99/pseudostream/pkg/types"
)

// ErrSessionNotFound is returned by Stop for an unknown session ID.
var ErrSessionNotFound = errors.New("app: session not found")

// Event is pushed to a session's [EventSink].
type Event struct {
	// Type is "word" or "transcript".
	Type string `json:"type"`

	// Session is the ID of the emitting session.
	Session string `json:"session"`

	// Word is set for "word" events.
	Word *types.Word `json:"word,omitempty"`

	// Text is the full committed transcript for "transcript" events.
	Text string `json:"text,omitempty"`
}

// EventSink receives a session's events. *wsingest.Source implements it.
type EventSink interface {
	Send(ctx context.Context, v any) error
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	Language  string       `json:"language,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	Stats     stream.Stats `json:"stats"`
}

type activeSession struct {
	info SessionInfo
	orch *stream.Orchestrator
	stop stream.StopFunc
	src  audio.Source

	// stopping is set by the first Stop; guarded by SessionManager.mu.
	stopping bool

	// finished is closed when Stop has completed.
	finished chan struct{}

	// pending holds the words of the commit in progress; OnTranscript
	// persists them as one batch.
	pending []types.Word
}

// SessionManager runs one transcription stream per capture source and
// persists what each commits. All exported methods are safe for concurrent
// use.
type SessionManager struct {
	transcriber stt.Provider
	backend     string
	store       store.Store
	metrics     *observe.Metrics

	mu       sync.Mutex
	streamCf config.StreamConfig
	sessions map[string]*activeSession
	seq      atomic.Uint64
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Transcriber is shared by every session and must be safe for
	// concurrent use.
	Transcriber stt.Provider

	// Backend names the transcriber in logs and metrics.
	Backend string

	Stream  config.StreamConfig
	Store   store.Store
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Backend == "" {
		cfg.Backend = "stt"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	return &SessionManager{
		transcriber: cfg.Transcriber,
		backend:     cfg.Backend,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		streamCf:    cfg.Stream,
		sessions:    make(map[string]*activeSession),
	}
}

// SetStreamConfig replaces the tunables used for sessions started from now
// on. Running sessions keep theirs.
func (sm *SessionManager) SetStreamConfig(s config.StreamConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.streamCf = s
}

// StreamConfig returns the tunables new sessions start with.
func (sm *SessionManager) StreamConfig() config.StreamConfig {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.streamCf
}

// Start begins transcribing src and returns the new session's ID. Events
// go to sink when it is non-nil. src is closed by [SessionManager.Stop]
// after the final transcript has been delivered. When src runs dry on its
// own the session stops itself.
func (sm *SessionManager) Start(ctx context.Context, source string, src audio.Source, sink EventSink) (string, error) {
	cf := sm.StreamConfig()
	id := fmt.Sprintf("%s-%d", sanitizeName(source), sm.seq.Add(1))
	now := time.Now().UTC()

	if err := sm.store.BeginSession(ctx, store.Session{ID: id, Source: source, Language: cf.Language, StartedAt: now}); err != nil {
		return "", fmt.Errorf("app: begin session: %w", err)
	}

	sess := &activeSession{
		info:     SessionInfo{ID: id, Source: source, Language: cf.Language, StartedAt: now},
		src:      src,
		finished: make(chan struct{}),
	}
	// Callbacks outlive the request that started the session.
	cbCtx := context.WithoutCancel(ctx)
	onWord := func(w types.Word) {
		sess.pending = append(sess.pending, w)
		if sink != nil {
			if err := sink.Send(cbCtx, Event{Type: "word", Session: id, Word: &w}); err != nil {
				slog.Debug("app: word event not delivered", "session", id, "err", err)
			}
		}
	}
	onTranscript := func(text string) {
		words := sess.pending
		sess.pending = nil
		if err := sm.store.AppendWords(cbCtx, id, words); err != nil {
			slog.Warn("app: failed to persist words", "session", id, "words", len(words), "err", err)
		}
		slog.Debug("app: transcript updated", "session", id, "text", text)
		if sink != nil {
			if err := sink.Send(cbCtx, Event{Type: "transcript", Session: id, Text: text}); err != nil {
				slog.Debug("app: transcript event not delivered", "session", id, "err", err)
			}
		}
	}

	orch := stream.New(sm.newTranscriber(cf), sm.streamOptions(id, cf, onWord, onTranscript)...)
	// The orchestrator closes its source on stop, before the final flush has
	// produced events; the real source is closed here once those are out.
	stop, err := orch.Start(cbCtx, keepOpen{src})
	if err != nil {
		_ = sm.store.EndSession(cbCtx, id, time.Now().UTC())
		return "", fmt.Errorf("app: start stream: %w", err)
	}
	sess.orch, sess.stop = orch, stop

	sm.mu.Lock()
	sm.sessions[id] = sess
	sm.mu.Unlock()

	go func() {
		<-orch.Done()
		if err := sm.Stop(cbCtx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("app: session teardown failed", "session", id, "err", err)
		}
	}()

	slog.Info("session started", "session", id, "source", source, "language", cf.Language, "vad", cf.VADEnabled())
	return id, nil
}

// Stop ends a session: the final flush runs, the source is closed and the
// stored session is marked finished. Every step runs; failures are joined.
func (sm *SessionManager) Stop(ctx context.Context, id string) error {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if !ok || sess.stopping {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	sess.stopping = true
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		delete(sm.sessions, id)
		sm.mu.Unlock()
		close(sess.finished)
	}()

	var errs []error
	if err := sess.stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := sess.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close source: %w", err))
	}
	if err := sm.store.EndSession(context.WithoutCancel(ctx), id, time.Now().UTC()); err != nil {
		errs = append(errs, err)
	}

	st := sess.orch.Stats()
	slog.Info("session stopped",
		"session", id,
		"requests", st.Requests,
		"speech_sec", st.SpeechSec,
		"committed_words", st.CommittedWords,
		"corrections", st.Corrections,
	)
	return errors.Join(errs...)
}

// StopAll stops every active session concurrently.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		if !s.stopping {
			ids = append(ids, id)
		}
	}
	sm.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sm.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Sessions returns the active sessions ordered by start time.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		if s.stopping {
			continue
		}
		info := s.info
		info.Stats = s.orch.Stats()
		out = append(out, info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Transcript returns the committed text of an active session.
func (sm *SessionManager) Transcript(id string) (string, bool) {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return "", false
	}
	return sess.orch.Transcript().Text(), true
}

// Wait blocks until the session has stopped, either because its source ran
// dry or because Stop was called, or until ctx is done. A session that has
// already finished returns at once.
func (sm *SessionManager) Wait(ctx context.Context, id string) error {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		if _, err := sm.store.Session(ctx, id); err == nil {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	select {
	case <-sess.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sm *SessionManager) newTranscriber(cf config.StreamConfig) *transcribe.Adapter {
	opts := []transcribe.Option{
		transcribe.WithName(sm.backend),
		transcribe.WithLanguage(cf.Language),
		transcribe.WithMetrics(sm.metrics),
	}
	if cf.VocabularyInPrompt && len(cf.Vocabulary) > 0 {
		opts = append(opts, transcribe.WithVocabularyHints(cf.Vocabulary, transcript.DefaultPromptBudget))
	}
	return transcribe.New(sm.transcriber, opts...)
}

func (sm *SessionManager) streamOptions(id string, cf config.StreamConfig, onWord func(types.Word), onTranscript func(string)) []stream.Option {
	opts := []stream.Option{
		stream.WithID(id),
		stream.WithMinChunk(seconds(cf.MinChunkSec)),
		stream.WithBufferTrim(cf.BufferTrimSec),
		stream.WithSilenceCooldown(time.Duration(cf.SilenceCooldownMs) * time.Millisecond),
		stream.WithOnWord(onWord),
		stream.WithOnTranscript(onTranscript),
		stream.WithMetrics(sm.metrics),
	}
	if cf.VADEnabled() {
		opts = append(opts, stream.WithVAD(nil, cf.VAD))
	} else {
		opts = append(opts, stream.WithoutVAD())
	}
	if cf.BandPass.Enabled() {
		opts = append(opts, stream.WithBandPass(cf.BandPass.HighPassHz, cf.BandPass.LowPassHz))
	}
	if len(cf.Vocabulary) > 0 {
		opts = append(opts, stream.WithCorrector(transcript.NewCorrector(cf.Vocabulary)))
	}
	return opts
}

// keepOpen hides a source's Close from the orchestrator.
type keepOpen struct{ audio.Source }

func (keepOpen) Close() error { return nil }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// sanitizeName lowercases name and replaces characters that are awkward in
// URLs so it can prefix a session ID.
func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "session"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}
