package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pseudostream/pkg/audio"
)

const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// LossNotifier is implemented by connections that can report a drop, such as
// the Discord voice connection.
type LossNotifier interface {
	Lost() <-chan struct{}
}

// ReconnectConfig configures a [Reconnector].
type ReconnectConfig struct {
	Platform  audio.Platform
	ChannelID string

	// MaxRetries bounds the attempts per drop. Default: 10.
	MaxRetries int

	// Backoff is the first wait between attempts; it doubles up to
	// MaxBackoff. Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnConnect is called with every connection the reconnector
	// establishes, the initial one included. May be nil.
	OnConnect func(audio.Connection)

	// Sleep overrides the backoff wait. Tests only.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reconnector keeps a capture connection alive. After [Reconnector.Connect]
// it watches the connection (see [LossNotifier]) and re-joins the channel
// with exponential backoff when it drops or [Reconnector.NotifyDisconnect]
// is called. Capture sessions of the dead connection end with its sources;
// OnConnect starts new ones.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	cfg ReconnectConfig

	mu   sync.Mutex
	conn audio.Connection

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector creates a [Reconnector]. Nothing connects until Connect.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Reconnector{
		cfg:  cfg,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Connect joins the channel once and starts the background monitor. A failed
// initial join is returned and nothing is monitored.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	conn, err := r.cfg.Platform.Connect(ctx, r.cfg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resilience: connect %q: %w", r.cfg.ChannelID, err)
	}
	r.adopt(conn)
	go r.monitor(ctx)
	return conn, nil
}

// NotifyDisconnect asks the monitor to re-join. Calls while a re-join is
// pending are coalesced.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Connection returns the current connection, or nil before Connect and
// after Stop.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Stop ends monitoring and disconnects the current connection. Calls after
// the first return nil.
func (r *Reconnector) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.mu.Unlock()
		if conn != nil {
			err = conn.Disconnect()
		}
	})
	return err
}

func (r *Reconnector) adopt(conn audio.Connection) {
	r.mu.Lock()
	old := r.conn
	r.conn = conn
	r.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Disconnect()
	}
	if r.cfg.OnConnect != nil {
		r.cfg.OnConnect(conn)
	}
}

func (r *Reconnector) monitor(ctx context.Context) {
	for {
		var lost <-chan struct{}
		if ln, ok := r.Connection().(LossNotifier); ok {
			lost = ln.Lost()
		}
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-lost:
			slog.Warn("capture connection lost", "channel_id", r.cfg.ChannelID)
		case <-r.kick:
		}
		if !r.rejoin(ctx) {
			return
		}
	}
}

// rejoin retries the join with exponential backoff and reports whether a new
// connection was established.
func (r *Reconnector) rejoin(ctx context.Context) bool {
	wait := r.cfg.Backoff
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-r.done:
			return false
		default:
		}

		conn, err := r.cfg.Platform.Connect(ctx, r.cfg.ChannelID)
		if err == nil {
			slog.Info("capture connection re-established", "channel_id", r.cfg.ChannelID, "attempt", attempt)
			r.adopt(conn)
			return true
		}
		slog.Warn("reconnection attempt failed",
			"channel_id", r.cfg.ChannelID,
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"backoff", wait,
			"err", err,
		)
		if attempt == r.cfg.MaxRetries {
			break
		}
		if err := r.cfg.Sleep(ctx, wait); err != nil {
			return false
		}
		wait = min(wait*2, r.cfg.MaxBackoff)
	}
	slog.Error("giving up on capture connection", "channel_id", r.cfg.ChannelID, "max_retries", r.cfg.MaxRetries)
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
