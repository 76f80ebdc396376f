// Package app wires the transcription subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the store, health
// checks and session manager, Run serves HTTP and drives the configured
// capture platform, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pseudostream/internal/config"
	"github.com/MrWong99/pseudostream/internal/health"
	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/internal/resilience"
	"github.com/MrWong99/pseudostream/internal/store"
	"github.com/MrWong99/pseudostream/internal/store/postgres"
	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/audio/wsingest"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
	"github.com/MrWong99/pseudostream/pkg/types"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 10 * time.Second

// Providers holds the constructed backends. Populated by main.go via the
// config registry.
type Providers struct {
	// Transcriber is the whole-buffer backend, usually a
	// [resilience.TranscriberFallback].
	Transcriber stt.Provider

	// Backends reports transcription availability for /readyz. Nil skips
	// the check.
	Backends health.BackendSet

	// Capture is the multi-speaker platform (Discord). Nil means audio only
	// arrives over WebSocket or from a file.
	Capture audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          store.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	health         *health.Handler
	sessions       *SessionManager

	capMu       sync.Mutex
	reconnector *resilience.Reconnector
	captured    map[audio.Source]string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App. A Postgres store is connected and migrated when
// store.postgres_dsn is set; otherwise transcripts are kept in memory.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transcriber == nil {
		return nil, errors.New("app: a transcriber is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		captured:  make(map[audio.Source]string),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	var checks []health.Checker
	if a.store == nil {
		if dsn := cfg.Store.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return nil, fmt.Errorf("app: init store: %w", err)
			}
			a.store = pg
			a.closers = append(a.closers, pg.Close)
			checks = append(checks, health.PingCheck("store", pg))
			slog.Info("transcript store connected", "backend", "postgres")
		} else {
			a.store = store.NewMemory()
			slog.Info("transcript store in memory; transcripts are lost on exit")
		}
	} else if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.PingCheck("store", p))
	}
	if providers.Backends != nil {
		checks = append(checks, health.TranscriberCheck("transcriber", providers.Backends))
	}
	a.health = health.New(checks...)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Transcriber: providers.Transcriber,
		Backend:     cfg.Providers.STT.Name,
		Stream:      cfg.Stream,
		Store:       a.store,
		Metrics:     a.metrics,
	})
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Store returns the transcript store.
func (a *App) Store() store.Store { return a.store }

// Handler returns the HTTP API wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /v1/stream", a.handleStream)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", a.handleStopSession)
	mux.HandleFunc("GET /v1/transcripts", a.handleSearch)
	mux.HandleFunc("GET /v1/transcripts/{id}", a.handleTranscript)
	return observe.Middleware(a.metrics)(mux)
}

// Run serves HTTP on server.listen_addr and, when a capture platform is
// configured, keeps it connected. It blocks until ctx is cancelled or the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if a.providers.Capture != nil {
		g.Go(func() error { return a.runCapture(gctx) })
	}

	err := g.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// TranscribeSource transcribes src to completion and returns the stored
// session. Events go to sink when it is non-nil. Cancelling ctx stops the
// session early; the words committed so far are still returned.
func (a *App) TranscribeSource(ctx context.Context, name string, src audio.Source, sink EventSink) (store.Session, error) {
	id, err := a.sessions.Start(ctx, name, src, sink)
	if err != nil {
		return store.Session{}, err
	}
	if err := a.sessions.Wait(ctx, id); err != nil {
		if stopErr := a.sessions.Stop(context.WithoutCancel(ctx), id); stopErr != nil && !errors.Is(stopErr, ErrSessionNotFound) {
			slog.Warn("app: stop after cancel failed", "session", id, "err", stopErr)
		}
	}
	return a.store.Session(context.WithoutCancel(ctx), id)
}

// ApplyConfig is the hot-reload hook. Stream and vocabulary changes apply to
// sessions started afterwards; other changes need a restart and are only
// reported.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.StreamChanged || d.VocabularyChanged {
		a.sessions.SetStreamConfig(next.Stream)
		slog.Info("stream settings updated for new sessions",
			"added_terms", d.AddedTerms,
			"removed_terms", d.RemovedTerms,
		)
	}
	if d.RestartRequired {
		slog.Warn("some configuration changes take effect only after a restart")
	}
}

// Shutdown stops every session, leaves the capture channel and closes the
// store. It respects the context deadline: closers left when ctx expires are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.Sessions()), "closers", len(a.closers))

		var errs []error
		if err := a.sessions.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}

		a.capMu.Lock()
		rc := a.reconnector
		a.capMu.Unlock()
		if rc != nil {
			if err := rc.Stop(); err != nil {
				slog.Warn("capture disconnect error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Capture platform ────────────────────────────────────────────────────────

func (a *App) runCapture(ctx context.Context) error {
	rc := resilience.NewReconnector(resilience.ReconnectConfig{
		Platform:  a.providers.Capture,
		ChannelID: a.cfg.Discord.ChannelID,
		OnConnect: func(conn audio.Connection) { a.attach(ctx, conn) },
	})
	a.capMu.Lock()
	a.reconnector = rc
	a.capMu.Unlock()

	if _, err := rc.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect capture platform: %w", err)
	}
	slog.Info("capture platform connected", "channel_id", a.cfg.Discord.ChannelID)
	<-ctx.Done()
	return nil
}

// attach starts a session for every participant of conn, present and
// future.
func (a *App) attach(ctx context.Context, conn audio.Connection) {
	for userID, src := range conn.Sources() {
		go a.captureParticipant(ctx, userID, src)
	}
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventJoin {
			return
		}
		if src, ok := conn.Sources()[ev.UserID]; ok {
			go a.captureParticipant(ctx, ev.UserID, src)
		}
	})
}

func (a *App) captureParticipant(ctx context.Context, userID string, src audio.Source) {
	a.capMu.Lock()
	if _, dup := a.captured[src]; dup {
		a.capMu.Unlock()
		return
	}
	a.captured[src] = ""
	a.capMu.Unlock()

	defer func() {
		a.capMu.Lock()
		delete(a.captured, src)
		a.capMu.Unlock()
	}()

	id, err := a.sessions.Start(ctx, "discord:"+userID, src, nil)
	if err != nil {
		slog.Error("failed to start participant session", "user", userID, "err", err)
		return
	}
	a.capMu.Lock()
	a.captured[src] = id
	a.capMu.Unlock()

	// Sessions end with their source; shutdown stops the rest.
	_ = a.sessions.Wait(context.WithoutCancel(ctx), id)
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	src, err := wsingest.Accept(w, r)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	id, err := a.sessions.Start(r.Context(), "websocket", src, src)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to start session", "err", err)
		_ = src.Close()
		return
	}
	if err := a.sessions.Wait(r.Context(), id); err != nil {
		if err := a.sessions.Stop(context.WithoutCancel(r.Context()), id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			observe.Logger(r.Context()).Warn("session stop failed", "session", id, "err", err)
		}
	}
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Sessions())
}

func (a *App) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.sessions.Stop(r.Context(), id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts store.SearchOpts
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		opts.Limit = n
	}
	for key, dst := range map[string]*time.Time{"after": &opts.After, "before": &opts.Before} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = t
		}
	}

	sessions, err := a.store.Search(r.Context(), q.Get("q"), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type transcriptResponse struct {
	store.Session
	Words []types.Word `json:"words"`
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := a.store.Session(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	words, err := a.store.Words(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if words == nil {
		words = []types.Word{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Session: sess, Words: words})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("app: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
