// Package resilience provides circuit breaking and failover for
// transcription backends.
//
// [Breaker] is a three-state breaker (closed, open, half-open). A backend
// that keeps failing is cut off for a cool-down period instead of stalling
// every flush cycle with a request that will time out anyway.
// [TranscriberFallback] puts one breaker in front of each configured
// stt.Provider and walks them in order until one answers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker rejects the
// call without running it.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. All of them
	// succeeding closes the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker]. Zero values select the
// defaults noted on each field.
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeOK     int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg}
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn if the breaker admits the call. Errors that only report the
// caller's own cancellation (context.Canceled) are passed through without
// counting as a backend failure.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	switch {
	case err == nil:
		b.settle(probe, true)
	case errors.Is(err, context.Canceled):
		b.release(probe)
	default:
		b.settle(probe, false)
	}
	return err
}

// admit decides whether a call may proceed and reserves a probe slot when
// half-open.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.probeOK = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probes++
		probe = true
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return probe, nil
}

// release returns an unused probe slot.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) settle(probe, ok bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case ok && probe:
		if b.state == StateHalfOpen {
			b.probeOK++
			if b.probeOK >= b.cfg.HalfOpenMax {
				b.state = StateClosed
				b.failures = 0
			}
		}
	case ok:
		b.failures = 0
	case probe:
		b.lastFailure = b.cfg.Now()
		b.state = StateOpen
	default:
		b.lastFailure = b.cfg.Now()
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		slog.Warn("circuit breaker state change",
			"name", b.cfg.Name, "from", from, "to", to, "consecutive_failures", failures)
	}
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.probes, b.probeOK = 0, 0, 0
	b.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", b.cfg.Name)
	b.notify(from, StateClosed)
}
