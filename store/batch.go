// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracelet/tracelet/signal"
)

// EventCandidate is one row of the unbatched-event selection, carrying
// what batch creation needs to order signals and budget attachments.
type EventCandidate struct {
	ID              string
	SessionID       string
	Priority        bool
	AttachmentsSize int64
}

// UnbatchedEvents returns up to limit sampled events not referenced by
// any batch, from sessions that need reporting plus any event whose
// type is on the always-export allow-list. Priority sessions' events
// come first, then oldest-first. A non-empty sessionID narrows the
// selection to that session regardless of its reporting flag.
func (s *Store) UnbatchedEvents(ctx context.Context, limit int, allow []signal.EventType, sessionID string) ([]EventCandidate, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: unbatched events: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT e.id, e.session_id, s.priority, e.attachments_size FROM events e
		JOIN sessions s ON s.id = e.session_id
		LEFT JOIN event_batches eb ON eb.event_id = e.id
		WHERE eb.event_id IS NULL AND e.sampled = 1`
	var args []any
	if sessionID != "" {
		query += ` AND e.session_id = ?`
		args = append(args, sessionID)
	} else if len(allow) > 0 {
		query += ` AND (s.needs_reporting = 1 OR e.type IN (` + placeholders(len(allow)) + `))`
		for _, typ := range allow {
			args = append(args, string(typ))
		}
	} else {
		query += ` AND s.needs_reporting = 1`
	}
	query += ` ORDER BY s.priority DESC, e.timestamp ASC LIMIT ?`
	args = append(args, limit)

	var candidates []EventCandidate
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			candidates = append(candidates, EventCandidate{
				ID:              stmt.ColumnText(0),
				SessionID:       stmt.ColumnText(1),
				Priority:        stmt.ColumnInt64(2) != 0,
				AttachmentsSize: stmt.ColumnInt64(3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: unbatched events: %w", err)
	}
	return candidates, nil
}

// UnbatchedSpans returns up to limit sampled span ids not referenced
// by any batch, priority sessions first, then oldest-first. A
// non-empty sessionID narrows the selection to that session.
func (s *Store) UnbatchedSpans(ctx context.Context, limit int, sessionID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: unbatched spans: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT p.span_id FROM spans p
		JOIN sessions s ON s.id = p.session_id
		LEFT JOIN span_batches pb ON pb.span_id = p.span_id
		WHERE pb.span_id IS NULL AND p.sampled = 1`
	var args []any
	if sessionID != "" {
		query += ` AND p.session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY s.priority DESC, p.start_time ASC LIMIT ?`
	args = append(args, limit)

	var ids []string
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: unbatched spans: %w", err)
	}
	return ids, nil
}

// InsertBatch persists the batch row and its membership rows in one
// transaction. Reports false on any constraint violation, including a
// member that is already in another batch.
func (s *Store) InsertBatch(ctx context.Context, batch *signal.Batch) bool {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		s.logger.Error("insert batch: no connection", "batch", batch.ID, "error", err)
		return false
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `INSERT INTO batches (id, created_at) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{batch.ID, batch.CreatedAt.UnixNano()}})
		if err != nil {
			return err
		}
		for _, eventID := range batch.EventIDs {
			err = sqlitex.Execute(conn,
				`INSERT INTO event_batches (event_id, batch_id) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{eventID, batch.ID}})
			if err != nil {
				return fmt.Errorf("event %s: %w", eventID, err)
			}
		}
		for _, spanID := range batch.SpanIDs {
			err = sqlitex.Execute(conn,
				`INSERT INTO span_batches (span_id, batch_id) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{spanID, batch.ID}})
			if err != nil {
				return fmt.Errorf("span %s: %w", spanID, err)
			}
		}
		return nil
	}()
	if err != nil {
		s.logger.Error("insert batch failed", "batch", batch.ID,
			"events", len(batch.EventIDs), "spans", len(batch.SpanIDs), "error", err)
		return false
	}
	return true
}

// Batches returns every batch with its current membership, oldest
// first. Membership may have shrunk since creation if eviction removed
// member sessions.
func (s *Store) Batches(ctx context.Context) ([]signal.Batch, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: batches: %w", err)
	}
	defer s.pool.Put(conn)

	var batches []signal.Batch
	err = sqlitex.Execute(conn,
		`SELECT id, created_at FROM batches ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				batches = append(batches, signal.Batch{
					ID:        stmt.ColumnText(0),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(1)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: batches: %w", err)
	}

	for i := range batches {
		if err := s.loadMembership(conn, &batches[i]); err != nil {
			return nil, fmt.Errorf("store: batch %s membership: %w", batches[i].ID, err)
		}
	}
	return batches, nil
}

// Batch returns one batch with its membership, or nil if absent.
func (s *Store) Batch(ctx context.Context, id string) (*signal.Batch, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: batch %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var batch *signal.Batch
	err = sqlitex.Execute(conn, `SELECT id, created_at FROM batches WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				batch = &signal.Batch{
					ID:        stmt.ColumnText(0),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(1)).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: batch %s: %w", id, err)
	}
	if batch == nil {
		return nil, nil
	}
	if err := s.loadMembership(conn, batch); err != nil {
		return nil, fmt.Errorf("store: batch %s membership: %w", id, err)
	}
	return batch, nil
}

func (s *Store) loadMembership(conn *sqlite.Conn, batch *signal.Batch) error {
	err := sqlitex.Execute(conn,
		`SELECT event_id FROM event_batches WHERE batch_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{batch.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				batch.EventIDs = append(batch.EventIDs, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return err
	}
	return sqlitex.Execute(conn,
		`SELECT span_id FROM span_batches WHERE batch_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{batch.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				batch.SpanIDs = append(batch.SpanIDs, stmt.ColumnText(0))
				return nil
			},
		})
}

// DeleteBatch removes the batch row together with its member event and
// span rows, one transaction. Used after a successful upload and to
// discard batches emptied by eviction. Membership rows cascade from
// both sides.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete batch %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `DELETE FROM events WHERE id IN
			(SELECT event_id FROM event_batches WHERE batch_id = ?)`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `DELETE FROM spans WHERE span_id IN
			(SELECT span_id FROM span_batches WHERE batch_id = ?)`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `DELETE FROM batches WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
	}()
	if err != nil {
		return fmt.Errorf("store: delete batch %s: %w", id, err)
	}
	return nil
}

// EventPacket is the full event row as serialized into an export
// envelope.
type EventPacket struct {
	ID                 string
	Type               signal.EventType
	Timestamp          time.Time
	SessionID          string
	UserTriggered      bool
	Payload            []byte
	PayloadPath        string
	Attributes         []byte
	UserAttributes     []byte
	AttachmentsSize    int64
	AttachmentManifest []byte
}

// EventPackets loads the full rows for the given event ids. Rows
// already deleted by eviction are simply absent from the result.
func (s *Store) EventPackets(ctx context.Context, eventIDs []string) ([]EventPacket, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: event packets: %w", err)
	}
	defer s.pool.Put(conn)

	var packets []EventPacket
	err = sqlitex.Execute(conn, `SELECT id, type, timestamp, session_id, user_triggered,
		payload, payload_path, attributes, user_attributes, attachments_size, attachment_manifest
		FROM events WHERE id IN (`+placeholders(len(eventIDs))+`) ORDER BY timestamp ASC`,
		&sqlitex.ExecOptions{
			Args: stringArgs(eventIDs),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packets = append(packets, EventPacket{
					ID:                 stmt.ColumnText(0),
					Type:               signal.EventType(stmt.ColumnText(1)),
					Timestamp:          time.Unix(0, stmt.ColumnInt64(2)).UTC(),
					SessionID:          stmt.ColumnText(3),
					UserTriggered:      stmt.ColumnInt64(4) != 0,
					Payload:            columnBlob(stmt, 5),
					PayloadPath:        stmt.ColumnText(6),
					Attributes:         columnBlob(stmt, 7),
					UserAttributes:     columnBlob(stmt, 8),
					AttachmentsSize:    stmt.ColumnInt64(9),
					AttachmentManifest: columnBlob(stmt, 10),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: event packets: %w", err)
	}
	return packets, nil
}

// SpanPacket is the full span row as serialized into an export
// envelope.
type SpanPacket struct {
	SpanID         string
	TraceID        string
	ParentID       string
	Name           string
	SessionID      string
	StartTime      time.Time
	EndTime        time.Time
	Status         signal.SpanStatus
	Attributes     []byte
	UserAttributes []byte
	Checkpoints    []byte
	Ended          bool
}

// SpanPackets loads the full rows for the given span ids.
func (s *Store) SpanPackets(ctx context.Context, spanIDs []string) ([]SpanPacket, error) {
	if len(spanIDs) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: span packets: %w", err)
	}
	defer s.pool.Put(conn)

	var packets []SpanPacket
	err = sqlitex.Execute(conn, `SELECT span_id, trace_id, parent_id, name, session_id,
		start_time, end_time, status, attributes, user_attributes, checkpoints, ended
		FROM spans WHERE span_id IN (`+placeholders(len(spanIDs))+`) ORDER BY start_time ASC`,
		&sqlitex.ExecOptions{
			Args: stringArgs(spanIDs),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packets = append(packets, SpanPacket{
					SpanID:         stmt.ColumnText(0),
					TraceID:        stmt.ColumnText(1),
					ParentID:       stmt.ColumnText(2),
					Name:           stmt.ColumnText(3),
					SessionID:      stmt.ColumnText(4),
					StartTime:      time.Unix(0, stmt.ColumnInt64(5)).UTC(),
					EndTime:        time.Unix(0, stmt.ColumnInt64(6)).UTC(),
					Status:         signal.SpanStatus(stmt.ColumnInt64(7)),
					Attributes:     columnBlob(stmt, 8),
					UserAttributes: columnBlob(stmt, 9),
					Checkpoints:    columnBlob(stmt, 10),
					Ended:          stmt.ColumnInt64(11) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: span packets: %w", err)
	}
	return packets, nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	data := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, data)
	return data
}
