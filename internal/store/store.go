// Package store persists committed transcripts.
//
// A [Store] records one session per transcribed stream and the words that
// stream commits, in commit order. Words are only ever appended, mirroring
// the committed transcript they come from. [Memory] keeps everything in
// process; the postgres sub-package stores sessions in PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pseudostream/pkg/types"
)

// ErrSessionNotFound is returned when a session ID is unknown.
var ErrSessionNotFound = errors.New("store: session not found")

// Session describes one transcribed stream.
type Session struct {
	// ID uniquely identifies the stream.
	ID string `json:"id"`

	// Source names the capture (e.g., "websocket", "discord:<user>", a file path).
	Source string `json:"source"`

	// Language is the language hint the stream was started with.
	Language string `json:"language,omitempty"`

	StartedAt time.Time `json:"started_at"`

	// EndedAt is zero while the stream is running.
	EndedAt time.Time `json:"ended_at,omitzero"`

	// Text is the full committed transcript.
	Text string `json:"text"`
}

// SearchOpts narrows [Store.Search].
type SearchOpts struct {
	// After and Before bound the session start time. Zero means unbounded.
	After  time.Time
	Before time.Time

	// Limit caps the number of sessions returned. Zero means no limit.
	Limit int
}

// Store persists sessions and their committed words. Implementations must be
// safe for concurrent use.
type Store interface {
	// BeginSession records a new session. Text and EndedAt are ignored.
	BeginSession(ctx context.Context, s Session) error

	// AppendWords adds committed words to a session in order.
	AppendWords(ctx context.Context, sessionID string, words []types.Word) error

	// EndSession marks a session as finished.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// Session returns a session with its full text.
	Session(ctx context.Context, sessionID string) (Session, error)

	// Words returns the committed words of a session in commit order.
	Words(ctx context.Context, sessionID string) ([]types.Word, error)

	// Search returns sessions whose transcript matches query, oldest first.
	// An empty query matches every session.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Session, error)

	// Close releases the store's resources.
	Close() error
}
