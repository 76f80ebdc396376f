package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
)

// ErrAllFailed is returned when every backend in a [TranscriberFallback]
// failed or had an open breaker.
var ErrAllFailed = errors.New("resilience: all transcription backends failed")

// Observer is notified after every backend attempt that was admitted by its
// breaker.
type Observer func(backend string, elapsed time.Duration, err error)

// BackendStatus is a point-in-time view of one backend's breaker.
type BackendStatus struct {
	Name  string
	State State
}

type backend struct {
	name     string
	provider stt.Provider
	breaker  *Breaker
}

// TranscriberFallback implements stt.Provider over an ordered list of
// backends, each guarded by its own [Breaker]. The first backend is the
// primary; the rest are tried in registration order when it fails.
type TranscriberFallback struct {
	cfg      BreakerConfig
	backends []backend
	observer Observer
}

// Compile-time interface assertion.
var _ stt.Provider = (*TranscriberFallback)(nil)

// FallbackOption configures a [TranscriberFallback].
type FallbackOption func(*TranscriberFallback)

// WithObserver installs a per-attempt callback, typically used for metrics.
func WithObserver(o Observer) FallbackOption {
	return func(f *TranscriberFallback) { f.observer = o }
}

// MetricsObserver returns an [Observer] that records the latency and
// outcome of every attempt on m.
func MetricsObserver(m *observe.Metrics) Observer {
	return func(backend string, elapsed time.Duration, err error) {
		m.RecordTranscribe(context.Background(), backend, elapsed.Seconds(), err)
	}
}

// NewTranscriberFallback creates a fallback with primary as its first
// backend. cfg is copied for every backend's breaker with Name replaced.
func NewTranscriberFallback(primaryName string, primary stt.Provider, cfg BreakerConfig, opts ...FallbackOption) *TranscriberFallback {
	f := &TranscriberFallback{cfg: cfg}
	for _, o := range opts {
		o(f)
	}
	f.Add(primaryName, primary)
	return f
}

// Add registers another backend. Not safe to call concurrently with
// Transcribe; register everything before the first stream starts.
func (f *TranscriberFallback) Add(name string, p stt.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Transcribe implements stt.Provider. The first successful response wins.
// When ctx is cancelled no further backends are tried.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	var errs []error
	for i := range f.backends {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resilience: %w", err)
		}
		b := &f.backends[i]

		var resp *stt.Response
		var start time.Time
		err := b.breaker.Do(func() error {
			start = time.Now()
			var err error
			resp, err = b.provider.Transcribe(ctx, req)
			if f.observer != nil {
				f.observer(b.name, time.Since(start), err)
			}
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Debug("transcription served by fallback", "backend", b.name)
			}
			return resp, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping transcription backend (circuit open)", "backend", b.name)
		} else {
			slog.Warn("transcription backend failed, trying next", "backend", b.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Backends reports the breaker state of every backend in order.
func (f *TranscriberFallback) Backends() []BackendStatus {
	out := make([]BackendStatus, len(f.backends))
	for i, b := range f.backends {
		out[i] = BackendStatus{Name: b.name, State: b.breaker.State()}
	}
	return out
}

// Healthy reports whether at least one backend would currently admit a call.
func (f *TranscriberFallback) Healthy() bool {
	for _, b := range f.backends {
		if b.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}
