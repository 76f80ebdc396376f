package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/pseudostream/internal/store"
	"github.com/MrWong99/pseudostream/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [store.Store]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, checks the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// BeginSession implements [store.Store].
func (s *Store) BeginSession(ctx context.Context, sess store.Session) error {
	if sess.ID == "" {
		return errors.New("postgres store: begin session: empty id")
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	const q = `
		INSERT INTO transcript_sessions (id, source, language, started_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, sess.ID, sess.Source, sess.Language, sess.StartedAt); err != nil {
		return fmt.Errorf("postgres store: begin session %q: %w", sess.ID, err)
	}
	return nil
}

// AppendWords implements [store.Store]. The words and the session's
// accumulated text are written in one transaction.
func (s *Store) AppendWords(ctx context.Context, sessionID string, words []types.Word) (err error) {
	if len(words) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: append words: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var next int
	const lockQ = `
		SELECT COALESCE((SELECT MAX(seq) + 1 FROM transcript_words WHERE session_id = $1), 0)
		FROM   transcript_sessions
		WHERE  id = $1
		FOR UPDATE`
	if err = tx.QueryRow(ctx, lockQ, sessionID).Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres store: append words to %q: %w", sessionID, store.ErrSessionNotFound)
		}
		return fmt.Errorf("postgres store: append words: lock session: %w", err)
	}

	rows := make([][]any, len(words))
	for i, w := range words {
		rows[i] = []any{sessionID, next + i, w.Start, w.End, w.Text}
	}
	if _, err = tx.CopyFrom(ctx,
		pgx.Identifier{"transcript_words"},
		[]string{"session_id", "seq", "start_sec", "end_sec", "text"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("postgres store: append words: copy: %w", err)
	}

	const textQ = `
		UPDATE transcript_sessions
		SET    text = CASE WHEN text = '' THEN $2 ELSE text || ' ' || $2 END
		WHERE  id = $1`
	if _, err = tx.Exec(ctx, textQ, sessionID, types.JoinText(words)); err != nil {
		return fmt.Errorf("postgres store: append words: update text: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: append words: commit: %w", err)
	}
	return nil
}

// EndSession implements [store.Store].
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE transcript_sessions SET ended_at = $2 WHERE id = $1`, sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("postgres store: end session %q: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: end session %q: %w", sessionID, store.ErrSessionNotFound)
	}
	return nil
}

// Session implements [store.Store].
func (s *Store) Session(ctx context.Context, sessionID string) (store.Session, error) {
	rows, err := s.pool.Query(ctx, selectSessions+"WHERE id = $1", sessionID)
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: session %q: %w", sessionID, err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return store.Session{}, err
	}
	if len(sessions) == 0 {
		return store.Session{}, fmt.Errorf("postgres store: session %q: %w", sessionID, store.ErrSessionNotFound)
	}
	return sessions[0], nil
}

// Words implements [store.Store].
func (s *Store) Words(ctx context.Context, sessionID string) ([]types.Word, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	const q = `
		SELECT start_sec, end_sec, text
		FROM   transcript_words
		WHERE  session_id = $1
		ORDER  BY seq`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: words of %q: %w", sessionID, err)
	}
	words, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Word, error) {
		var w types.Word
		err := row.Scan(&w.Start, &w.End, &w.Text)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan words: %w", err)
	}
	if words == nil {
		words = []types.Word{}
	}
	return words, nil
}

// Search implements [store.Store]. A non-empty query is matched with
// plainto_tsquery over the session text.
func (s *Store) Search(ctx context.Context, query string, opts store.SearchOpts) ([]store.Session, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if q := strings.TrimSpace(query); q != "" {
		conditions = append(conditions,
			"to_tsvector('simple', text) @@ plainto_tsquery('simple', "+next(q)+")")
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started_at < "+next(opts.Before))
	}

	q := selectSessions
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY started_at, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectSessions(rows)
}

const selectSessions = `
SELECT id, source, language, started_at, ended_at, text
FROM   transcript_sessions
`

func collectSessions(rows pgx.Rows) ([]store.Session, error) {
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Session, error) {
		var (
			s     store.Session
			ended *time.Time
		)
		if err := row.Scan(&s.ID, &s.Source, &s.Language, &s.StartedAt, &ended, &s.Text); err != nil {
			return store.Session{}, err
		}
		if ended != nil {
			s.EndedAt = *ended
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return sessions, nil
}
