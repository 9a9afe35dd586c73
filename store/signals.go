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

// InsertEvent persists one event together with its attachment rows,
// all-or-nothing. Reports false on any constraint violation; nothing
// is persisted in that case and the caller owns cleanup of any files
// the event references.
func (s *Store) InsertEvent(ctx context.Context, event *signal.Event, attachments []signal.Attachment) bool {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		s.logger.Error("insert event: no connection", "event", event.ID, "error", err)
		return false
	}
	defer s.pool.Put(conn)

	err = s.insertEventTx(conn, event, attachments)
	if err != nil {
		s.logger.Error("insert event failed", "event", event.ID, "type", event.Type, "error", err)
		return false
	}
	return true
}

func (s *Store) insertEventTx(conn *sqlite.Conn, event *signal.Event, attachments []signal.Attachment) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	if err := insertEventRow(conn, event); err != nil {
		return err
	}
	for i := range attachments {
		if err := insertAttachmentRow(conn, &attachments[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertEventRow(conn *sqlite.Conn, event *signal.Event) error {
	var payload any
	var payloadPath string
	if data, ok := event.Payload.Inline(); ok {
		payload = data
	}
	if path, ok := event.Payload.File(); ok {
		payloadPath = path
	}

	return sqlitex.Execute(conn, `INSERT INTO events
		(id, type, timestamp, session_id, user_triggered, payload, payload_path,
		 attributes, user_attributes, attachments_size, attachment_manifest, sampled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			event.ID,
			string(event.Type),
			event.Timestamp.UnixNano(),
			event.SessionID,
			boolInt(event.UserTriggered),
			payload,
			payloadPath,
			blobArg(event.Attributes),
			blobArg(event.UserAttributes),
			event.AttachmentsSize,
			blobArg(event.AttachmentManifest),
			boolInt(event.Sampled),
		},
	})
}

func insertAttachmentRow(conn *sqlite.Conn, att *signal.Attachment) error {
	return sqlitex.Execute(conn, `INSERT INTO attachments
		(id, type, name, path, event_id, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			att.ID,
			att.Type,
			att.Name,
			att.Path,
			att.EventID,
			att.SessionID,
			att.Timestamp.UnixNano(),
		},
	})
}

// InsertSpan persists one span. Reports false on constraint violation.
func (s *Store) InsertSpan(ctx context.Context, span *signal.Span) bool {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		s.logger.Error("insert span: no connection", "span", span.SpanID, "error", err)
		return false
	}
	defer s.pool.Put(conn)

	if err := insertSpanRow(conn, span); err != nil {
		s.logger.Error("insert span failed", "span", span.SpanID, "name", span.Name, "error", err)
		return false
	}
	return true
}

func insertSpanRow(conn *sqlite.Conn, span *signal.Span) error {
	return sqlitex.Execute(conn, `INSERT INTO spans
		(span_id, trace_id, parent_id, name, session_id, start_time, end_time,
		 status, attributes, user_attributes, checkpoints, sampled, ended)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			span.SpanID,
			span.TraceID,
			span.ParentID,
			span.Name,
			span.SessionID,
			span.StartTime.UnixNano(),
			span.EndTime.UnixNano(),
			int64(span.Status),
			blobArg(span.Attributes),
			blobArg(span.UserAttributes),
			blobArg(span.Checkpoints),
			boolInt(span.Sampled),
			boolInt(span.Ended),
		},
	})
}

// InsertSignals is the bulk path used by the queue flush: all events
// (with their attachments) and all spans land in one transaction, or
// none do.
func (s *Store) InsertSignals(ctx context.Context, events []*signal.Event, attachments []signal.Attachment, spans []*signal.Span) bool {
	if len(events) == 0 && len(spans) == 0 {
		return true
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		s.logger.Error("insert signals: no connection", "error", err)
		return false
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		for _, event := range events {
			if err := insertEventRow(conn, event); err != nil {
				return fmt.Errorf("event %s: %w", event.ID, err)
			}
		}
		for i := range attachments {
			if err := insertAttachmentRow(conn, &attachments[i]); err != nil {
				return fmt.Errorf("attachment %s: %w", attachments[i].ID, err)
			}
		}
		for _, span := range spans {
			if err := insertSpanRow(conn, span); err != nil {
				return fmt.Errorf("span %s: %w", span.SpanID, err)
			}
		}
		return nil
	}()
	if err != nil {
		s.logger.Error("bulk signal insert failed",
			"events", len(events), "spans", len(spans), "error", err)
		return false
	}
	return true
}

// SignalCounts returns the total stored event and span counts, driving
// the eviction ceiling check.
func (s *Store) SignalCounts(ctx context.Context) (events, spans int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("store: signal counts: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT (SELECT COUNT(*) FROM events), (SELECT COUNT(*) FROM spans)`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = stmt.ColumnInt64(0)
				spans = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("store: signal counts: %w", err)
	}
	return events, spans, nil
}

// SessionSignalCounts returns the event and span counts for one
// session.
func (s *Store) SessionSignalCounts(ctx context.Context, sessionID string) (events, spans int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("store: session signal counts: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT (SELECT COUNT(*) FROM events WHERE session_id = ?),
		        (SELECT COUNT(*) FROM spans WHERE session_id = ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = stmt.ColumnInt64(0)
				spans = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("store: session signal counts: %w", err)
	}
	return events, spans, nil
}

// Evicted describes the result of an event eviction pass: the removed
// event ids plus every file path the rows referenced, so the caller
// can delete the matching files.
type Evicted struct {
	EventIDs        []string
	PayloadPaths    []string
	AttachmentPaths []string
}

// EvictEvents deletes up to limit unbatched events outside
// excludeSession, oldest first, returning exactly what was removed.
// Events in sessions flagged needs_reporting are spared; only the
// whole-session backstop may take those. Selection and deletion
// happen in one transaction so the returned ids match the deleted
// rows.
func (s *Store) EvictEvents(ctx context.Context, excludeSession string, limit int) (Evicted, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Evicted{}, fmt.Errorf("store: evict events: %w", err)
	}
	defer s.pool.Put(conn)

	var evicted Evicted
	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `SELECT e.id, e.payload_path FROM events e
			JOIN sessions s ON s.id = e.session_id
			LEFT JOIN event_batches eb ON eb.event_id = e.id
			WHERE eb.event_id IS NULL AND e.session_id != ? AND s.needs_reporting = 0
			ORDER BY e.timestamp ASC LIMIT ?`, &sqlitex.ExecOptions{
			Args: []any{excludeSession, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				evicted.EventIDs = append(evicted.EventIDs, stmt.ColumnText(0))
				if path := stmt.ColumnText(1); path != "" {
					evicted.PayloadPaths = append(evicted.PayloadPaths, path)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		if len(evicted.EventIDs) == 0 {
			return nil
		}

		marks := placeholders(len(evicted.EventIDs))
		args := stringArgs(evicted.EventIDs)
		err = sqlitex.Execute(conn,
			`SELECT path FROM attachments WHERE event_id IN (`+marks+`)`,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					evicted.AttachmentPaths = append(evicted.AttachmentPaths, stmt.ColumnText(0))
					return nil
				},
			})
		if err != nil {
			return err
		}

		return sqlitex.Execute(conn,
			`DELETE FROM events WHERE id IN (`+marks+`)`,
			&sqlitex.ExecOptions{Args: args})
	}()
	if err != nil {
		return Evicted{}, fmt.Errorf("store: evict events: %w", err)
	}
	return evicted, nil
}

// EvictSpans deletes up to limit unbatched spans outside
// excludeSession, oldest first, returning the number removed.
func (s *Store) EvictSpans(ctx context.Context, excludeSession string, limit int) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: evict spans: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `SELECT p.span_id FROM spans p
			JOIN sessions s ON s.id = p.session_id
			LEFT JOIN span_batches pb ON pb.span_id = p.span_id
			WHERE pb.span_id IS NULL AND p.session_id != ? AND s.needs_reporting = 0
			ORDER BY p.start_time ASC LIMIT ?`, &sqlitex.ExecOptions{
			Args: []any{excludeSession, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return sqlitex.Execute(conn,
			`DELETE FROM spans WHERE span_id IN (`+placeholders(len(ids))+`)`,
			&sqlitex.ExecOptions{Args: stringArgs(ids)})
	}()
	if err != nil {
		return 0, fmt.Errorf("store: evict spans: %w", err)
	}
	return len(ids), nil
}

// AttachmentsForEvents returns attachment metadata for the given
// events, used to delete files after export or eviction.
func (s *Store) AttachmentsForEvents(ctx context.Context, eventIDs []string) ([]signal.Attachment, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: attachments for events: %w", err)
	}
	defer s.pool.Put(conn)

	var atts []signal.Attachment
	err = sqlitex.Execute(conn, `SELECT id, type, name, path, event_id, session_id, timestamp
		FROM attachments WHERE event_id IN (`+placeholders(len(eventIDs))+`)`,
		&sqlitex.ExecOptions{
			Args: stringArgs(eventIDs),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				atts = append(atts, signal.Attachment{
					ID:        stmt.ColumnText(0),
					Type:      stmt.ColumnText(1),
					Name:      stmt.ColumnText(2),
					Path:      stmt.ColumnText(3),
					EventID:   stmt.ColumnText(4),
					SessionID: stmt.ColumnText(5),
					Timestamp: time.Unix(0, stmt.ColumnInt64(6)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: attachments for events: %w", err)
	}
	return atts, nil
}

// SessionFilePaths returns every payload and attachment file path
// referenced by a session's events. Callers collect these before a
// session cascade so the files can be removed once the rows are gone.
func (s *Store) SessionFilePaths(ctx context.Context, sessionID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: session file paths: %w", err)
	}
	defer s.pool.Put(conn)

	var paths []string
	collect := func(stmt *sqlite.Stmt) error {
		if path := stmt.ColumnText(0); path != "" {
			paths = append(paths, path)
		}
		return nil
	}
	err = sqlitex.Execute(conn,
		`SELECT payload_path FROM events WHERE session_id = ? AND payload_path != ''`,
		&sqlitex.ExecOptions{Args: []any{sessionID}, ResultFunc: collect})
	if err != nil {
		return nil, fmt.Errorf("store: session file paths: %w", err)
	}
	err = sqlitex.Execute(conn,
		`SELECT path FROM attachments WHERE session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{sessionID}, ResultFunc: collect})
	if err != nil {
		return nil, fmt.Errorf("store: session file paths: %w", err)
	}
	return paths, nil
}

// blobArg maps empty blobs to NULL so the database distinguishes
// "absent" from "empty".
func blobArg(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
