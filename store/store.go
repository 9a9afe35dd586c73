// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable SQLite store for sessions, signals,
// attachments, and batches.
//
// Every multi-row mutation runs in a single IMMEDIATE transaction:
// an event and its attachments, a bulk signal flush, a batch and its
// membership rows, a session cascade. Callers never observe partial
// writes. Constraint violations on the insert paths are logged and
// surfaced as a boolean failure, never as an error, so the host
// application keeps running when instrumentation misbehaves.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracelet/tracelet/lib/sqlitepool"
	"github.com/tracelet/tracelet/signal"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		pid             INTEGER NOT NULL,
		created_at      INTEGER NOT NULL,
		needs_reporting INTEGER NOT NULL DEFAULT 0,
		crashed         INTEGER NOT NULL DEFAULT 0,
		priority        INTEGER NOT NULL DEFAULT 0,
		app_version     TEXT NOT NULL DEFAULT '',
		app_build       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS events (
		id                  TEXT PRIMARY KEY,
		type                TEXT NOT NULL,
		timestamp           INTEGER NOT NULL,
		session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_triggered      INTEGER NOT NULL DEFAULT 0,
		payload             BLOB,
		payload_path        TEXT NOT NULL DEFAULT '',
		attributes          BLOB,
		user_attributes     BLOB,
		attachments_size    INTEGER NOT NULL DEFAULT 0,
		attachment_manifest BLOB,
		sampled             INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

	CREATE TABLE IF NOT EXISTS attachments (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		path       TEXT NOT NULL,
		event_id   TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		timestamp  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attachments_event ON attachments(event_id);

	CREATE TABLE IF NOT EXISTS spans (
		span_id         TEXT PRIMARY KEY,
		trace_id        TEXT NOT NULL,
		parent_id       TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL,
		session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		start_time      INTEGER NOT NULL,
		end_time        INTEGER NOT NULL,
		status          INTEGER NOT NULL DEFAULT 0,
		attributes      BLOB,
		user_attributes BLOB,
		checkpoints     BLOB,
		sampled         INTEGER NOT NULL DEFAULT 0,
		ended           INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time);
	CREATE INDEX IF NOT EXISTS idx_spans_session ON spans(session_id);

	CREATE TABLE IF NOT EXISTS batches (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	-- A signal id is the membership primary key, so a signal can be a
	-- member of at most one batch at a time.
	CREATE TABLE IF NOT EXISTS event_batches (
		event_id TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
		batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_event_batches_batch ON event_batches(batch_id);

	CREATE TABLE IF NOT EXISTS span_batches (
		span_id  TEXT PRIMARY KEY REFERENCES spans(span_id) ON DELETE CASCADE,
		batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_span_batches_batch ON span_batches(batch_id);
`

// Store owns the SQLite database. It is safe for concurrent use; the
// connection pool and SQLite's own locking serialize writers.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file path. The parent directory must
	// exist. ":memory:" opens a throwaway in-memory database.
	Path string

	// PoolSize is the connection pool size. Defaults to 2 if zero or
	// negative.
	PoolSize int

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Open opens the database, applying the schema on each connection.
// The schema is idempotent, so reopening an existing database is a
// no-op migration.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool. All borrowed connections must be
// returned first.
func (s *Store) Close() error {
	return s.pool.Close()
}

// InsertSession persists a new session. Reports false on constraint
// violation (duplicate id).
func (s *Store) InsertSession(ctx context.Context, sess *signal.Session) bool {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		s.logger.Error("insert session: no connection", "session", sess.ID, "error", err)
		return false
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO sessions
		(id, pid, created_at, needs_reporting, crashed, priority, app_version, app_build)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			sess.ID,
			sess.PID,
			sess.CreatedAt.UnixNano(),
			boolInt(sess.NeedsReporting),
			boolInt(sess.Crashed),
			boolInt(sess.Priority),
			sess.AppVersion,
			sess.AppBuild,
		},
	})
	if err != nil {
		s.logger.Error("insert session failed", "session", sess.ID, "error", err)
		return false
	}
	return true
}

// Session loads one session by id, or nil if absent.
func (s *Store) Session(ctx context.Context, id string) (*signal.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: session %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var sess *signal.Session
	err = sqlitex.Execute(conn, `SELECT id, pid, created_at, needs_reporting,
		crashed, priority, app_version, app_build
		FROM sessions WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sess = scanSession(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns every session, newest first. Diagnostic use;
// the engine itself never needs the full list.
func (s *Store) ListSessions(ctx context.Context) ([]signal.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var sessions []signal.Session
	err = sqlitex.Execute(conn, `SELECT id, pid, created_at, needs_reporting,
		crashed, priority, app_version, app_build
		FROM sessions ORDER BY created_at DESC`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sessions = append(sessions, *scanSession(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(stmt *sqlite.Stmt) *signal.Session {
	return &signal.Session{
		ID:             stmt.ColumnText(0),
		PID:            int(stmt.ColumnInt64(1)),
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(2)).UTC(),
		NeedsReporting: stmt.ColumnInt64(3) != 0,
		Crashed:        stmt.ColumnInt64(4) != 0,
		Priority:       stmt.ColumnInt64(5) != 0,
		AppVersion:     stmt.ColumnText(6),
		AppBuild:       stmt.ColumnText(7),
	}
}

// MarkSessionCrashed marks the session crashed and reporting-needed,
// and retroactively samples every event already recorded in it. Crash
// diagnosis needs full session context, including events that were
// unsampled when they happened. One transaction.
func (s *Store) MarkSessionCrashed(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: mark session crashed: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: mark session crashed: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET crashed = 1, needs_reporting = 1 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: mark session crashed: %w", err)
	}
	err = sqlitex.Execute(conn,
		`UPDATE events SET sampled = 1 WHERE session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: mark session events sampled: %w", err)
	}
	return nil
}

// MarkSessionForReporting sets the sticky needs_reporting flag, used
// by the bug-report flow and priority sampling.
func (s *Store) MarkSessionForReporting(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: mark session for reporting: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET needs_reporting = 1 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: mark session for reporting: %w", err)
	}
	return nil
}

// DeleteSessions removes the given sessions; events, spans, and
// attachment rows cascade. One transaction for the whole set.
func (s *Store) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`DELETE FROM sessions WHERE id IN (`+placeholders(len(ids))+`)`,
		&sqlitex.ExecOptions{Args: stringArgs(ids)})
	if err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	return nil
}

// OldestSession returns the id of the oldest session other than
// exclude, or "" when there is none.
func (s *Store) OldestSession(ctx context.Context, exclude string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("store: oldest session: %w", err)
	}
	defer s.pool.Put(conn)

	var oldest string
	err = sqlitex.Execute(conn,
		`SELECT id FROM sessions WHERE id != ? ORDER BY created_at ASC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{exclude},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				oldest = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: oldest session: %w", err)
	}
	return oldest, nil
}

// EmptySessions returns ids of sessions other than exclude that have
// no events and no spans, candidates for pruning.
func (s *Store) EmptySessions(ctx context.Context, exclude string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: empty sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, `SELECT s.id FROM sessions s
		WHERE s.id != ?
		AND NOT EXISTS (SELECT 1 FROM events e WHERE e.session_id = s.id)
		AND NOT EXISTS (SELECT 1 FROM spans p WHERE p.session_id = s.id)`,
		&sqlitex.ExecOptions{
			Args: []any{exclude},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: empty sessions: %w", err)
	}
	return ids, nil
}

// Stats summarizes the database for diagnostics.
type Stats struct {
	Sessions    int64
	Events      int64
	Spans       int64
	Attachments int64
	Batches     int64
	SizeBytes   int64
}

// Stats returns row counts and the database byte size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"sessions", &stats.Sessions},
		{"events", &stats.Events},
		{"spans", &stats.Spans},
		{"attachments", &stats.Attachments},
		{"batches", &stats.Batches},
	}
	for _, c := range counts {
		err = sqlitex.ExecuteTransient(conn, `SELECT COUNT(*) FROM `+c.table,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					*c.dst = stmt.ColumnInt64(0)
					return nil
				},
			})
		if err != nil {
			return Stats{}, fmt.Errorf("store: counting %s: %w", c.table, err)
		}
	}

	err = sqlitex.ExecuteTransient(conn,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.SizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("store: database size: %w", err)
	}
	return stats, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
