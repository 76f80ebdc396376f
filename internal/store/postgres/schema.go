// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Sessions live in transcript_sessions and every committed word is a row of
// transcript_words keyed by (session_id, seq), so the committed order is
// preserved exactly. Full-text search runs over the joined word text with a
// GIN index on the session's accumulated transcript.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.BeginSession(ctx, store.Session{ID: id, StartedAt: time.Now()})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS transcript_sessions (
    id          TEXT         PRIMARY KEY,
    source      TEXT         NOT NULL DEFAULT '',
    language    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    text        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcript_sessions_started_at
    ON transcript_sessions (started_at);

CREATE INDEX IF NOT EXISTS idx_transcript_sessions_fts
    ON transcript_sessions USING GIN (to_tsvector('simple', text));
`

const ddlWords = `
CREATE TABLE IF NOT EXISTS transcript_words (
    session_id  TEXT              NOT NULL REFERENCES transcript_sessions (id) ON DELETE CASCADE,
    seq         INTEGER           NOT NULL,
    start_sec   DOUBLE PRECISION  NOT NULL,
    end_sec     DOUBLE PRECISION  NOT NULL,
    text        TEXT              NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// Migrate creates the tables and indexes if they do not exist. It is safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlWords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
