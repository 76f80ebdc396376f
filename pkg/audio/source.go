package audio

import (
	"context"
	"errors"
)

// ErrUnsupportedFormat is returned when audio data is in a format that cannot
// be decoded (e.g., a non-PCM WAV file or an 8-bit sample width).
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Source is a single capture stream feeding one transcription session.
//
// Chunks delivers mono float audio in capture order. The channel is closed
// when the source ends (end of file, client disconnect, participant leaving)
// or after Close. Close releases the underlying resource and is safe to call
// more than once.
type Source interface {
	Chunks() <-chan Chunk
	Close() error
}

// EventType enumerates participant lifecycle events on a multi-speaker
// platform connection.
type EventType int

const (
	// EventJoin is emitted when a participant starts sending audio.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant disconnects.
	EventLeave
)

// String returns a human-readable label.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant change on a Connection.
type Event struct {
	Type     EventType
	UserID   string
	Username string
}

// Connection is a live receive-only session on a voice platform. Each
// participant gets its own Source so that every speaker is transcribed by an
// independent stream.
type Connection interface {
	// Sources returns a snapshot of the current per-participant sources,
	// keyed by participant ID.
	Sources() map[string]Source

	// OnParticipantChange registers a callback invoked on join and leave.
	// The callback must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the channel and closes all participant sources.
	Disconnect() error
}

// Platform connects to a voice channel on some service (e.g., Discord).
type Platform interface {
	Connect(ctx context.Context, channelID string) (Connection, error)
}
