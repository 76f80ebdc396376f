// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted list of events, one per Feed call, and records
// every call so tests can assert on the offsets the caller supplied.
package mock

import (
	"sync"

	"github.com/MrWong99/pseudostream/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new empty Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// FeedCall records a single invocation of Session.Feed.
type FeedCall struct {
	// Samples is the number of samples passed.
	Samples int
	// OffsetSec is the offset passed.
	OffsetSec float64
}

// Step is one scripted Feed result.
type Step struct {
	Event vad.Event
	OK    bool
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds the results of successive Feed calls. Once exhausted,
	// Feed reports no event.
	Script []Step

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// FeedCalls records every call to Feed in order.
	FeedCalls []FeedCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Feed records the call and returns the next scripted step.
func (s *Session) Feed(samples []float32, offsetSec float64) (vad.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.FeedCalls)
	s.FeedCalls = append(s.FeedCalls, FeedCall{Samples: len(samples), OffsetSec: offsetSec})
	if i < len(s.Script) {
		return s.Script[i].Event, s.Script[i].OK
	}
	return vad.Event{}, false
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns a copy of the recorded Feed calls. Thread-safe.
func (s *Session) Calls() []FeedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FeedCall(nil), s.FeedCalls...)
}

var _ vad.SessionHandle = (*Session)(nil)
