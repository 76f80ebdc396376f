package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/pseudostream/pkg/types"
)

var _ Store = (*Memory)(nil)

type memSession struct {
	info  Session
	words []types.Word
}

// Memory is an in-process [Store]. Data is lost when the process exits.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memSession)}
}

// BeginSession implements [Store].
func (m *Memory) BeginSession(_ context.Context, s Session) error {
	if s.ID == "" {
		return fmt.Errorf("store: begin session: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("store: begin session %q: already exists", s.ID)
	}
	s.Text, s.EndedAt = "", time.Time{}
	m.sessions[s.ID] = &memSession{info: s}
	return nil
}

// AppendWords implements [Store].
func (m *Memory) AppendWords(_ context.Context, sessionID string, words []types.Word) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("store: append words to %q: %w", sessionID, ErrSessionNotFound)
	}
	sess.words = append(sess.words, words...)
	return nil
}

// EndSession implements [Store].
func (m *Memory) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("store: end session %q: %w", sessionID, ErrSessionNotFound)
	}
	sess.info.EndedAt = endedAt
	return nil
}

// Session implements [Store].
func (m *Memory) Session(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("store: session %q: %w", sessionID, ErrSessionNotFound)
	}
	return sess.snapshot(), nil
}

// Words implements [Store].
func (m *Memory) Words(_ context.Context, sessionID string) ([]types.Word, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("store: words of %q: %w", sessionID, ErrSessionNotFound)
	}
	return slices.Clone(sess.words), nil
}

// Search implements [Store] with a case-insensitive substring match.
func (m *Memory) Search(_ context.Context, query string, opts SearchOpts) ([]Session, error) {
	q := strings.ToLower(strings.TrimSpace(query))

	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		s := sess.snapshot()
		if !opts.After.IsZero() && !s.StartedAt.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !s.StartedAt.Before(opts.Before) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(s.Text), q) {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (m *Memory) Close() error { return nil }

func (s *memSession) snapshot() Session {
	info := s.info
	info.Text = types.JoinText(s.words)
	return info
}
