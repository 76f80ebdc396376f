// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Platform] and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(8)
//	src.Push(audio.Chunk{Samples: samples, SampleRate: 16000})
//	src.End()
//	stop, err := orch.Start(ctx, src)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pseudostream/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] backed by a buffered
// channel that the test fills with [Source.Push].
type Source struct {
	mu sync.Mutex

	ch     chan audio.Chunk
	closed bool

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource creates a Source whose chunk channel has the given capacity.
func NewSource(capacity int) *Source {
	return &Source{ch: make(chan audio.Chunk, capacity)}
}

// Push enqueues a chunk. It blocks when the channel is full and is a no-op
// after End or Close.
func (s *Source) Push(c audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- c
}

// End closes the chunk channel, signalling end of stream to the consumer.
func (s *Source) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Chunks implements [audio.Source].
func (s *Source) Chunks() <-chan audio.Chunk { return s.ch }

// Close implements [audio.Source]. It records the call, ends the stream and
// returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseError
	s.mu.Unlock()
	s.End()
	return err
}

// CloseCalls returns the number of Close calls. Thread-safe.
func (s *Source) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

var _ audio.Source = (*Source)(nil)

// ─── Connection ──────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// SourcesResult is returned by [Connection.Sources].
	// Defaults to an empty (non-nil) map if left nil.
	SourcesResult map[string]audio.Source

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(audio.Event)

	lost     chan struct{}
	lostOnce sync.Once
}

// Lost returns a channel closed by [Connection.Drop].
func (c *Connection) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost == nil {
		c.lost = make(chan struct{})
	}
	return c.lost
}

// Drop simulates the platform losing the connection.
func (c *Connection) Drop() {
	c.Lost()
	c.lostOnce.Do(func() { close(c.lost) })
}

// Sources implements [audio.Connection].
func (c *Connection) Sources() map[string]audio.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]audio.Source, len(c.SourcesResult))
	for k, v := range c.SourcesResult {
		out[k] = v
	}
	return out
}

// AddSource registers a new participant source and fires EventJoin on all
// recorded callbacks.
func (c *Connection) AddSource(userID string, src audio.Source) {
	c.mu.Lock()
	if c.SourcesResult == nil {
		c.SourcesResult = make(map[string]audio.Source)
	}
	c.SourcesResult[userID] = src
	cbs := append([]func(audio.Event){}, c.RecordedCallbacks...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(audio.Event{Type: audio.EventJoin, UserID: userID})
	}
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

var _ audio.Connection = (*Connection)(nil)

// ─── Platform ────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	Ctx       context.Context
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by [Platform.Connect] when ConnectError is nil.
	ConnectResult audio.Connection

	// ConnectError is returned by [Platform.Connect].
	ConnectError error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

var _ audio.Platform = (*Platform)(nil)
