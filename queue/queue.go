// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the bounded in-memory buffer between
// instrumentation and the durable store.
//
// The fast path never blocks the caller: a signal either lands in a
// buffered channel or, when the channel is full, takes a synchronous
// durable insert followed by a full flush, so the overflow trigger
// itself is never lost. Crash-class events skip the buffer entirely
// because they may be the last code to run in the process.
package queue

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tracelet/tracelet/filestore"
	"github.com/tracelet/tracelet/lib/codec"
	"github.com/tracelet/tracelet/signal"
	"github.com/tracelet/tracelet/store"
)

// queuedEvent pairs an event with its already-materialized attachment
// rows so the flush path needs no further file I/O.
type queuedEvent struct {
	event       *signal.Event
	attachments []signal.Attachment
}

// Queue buffers events and spans ahead of the durable store.
type Queue struct {
	events chan queuedEvent
	spans  chan *signal.Span

	store     *store.Store
	files     *filestore.Store
	logger    *slog.Logger
	maxInline int

	// flushing makes Flush single-flight: a trigger that arrives
	// while a drain is in progress is a no-op, not a queued second
	// drain.
	flushing atomic.Bool
}

// Config holds the queue parameters.
type Config struct {
	// Capacity bounds each of the event and span buffers.
	Capacity int

	// MaxInlinePayloadBytes is the largest payload stored inline;
	// larger ones are spilled to the file area before enqueue.
	MaxInlinePayloadBytes int

	Store  *store.Store
	Files  *filestore.Store
	Logger *slog.Logger
}

// New builds a queue. Store and Files are required.
func New(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		events:    make(chan queuedEvent, capacity),
		spans:     make(chan *signal.Span, capacity),
		store:     cfg.Store,
		files:     cfg.Files,
		logger:    logger,
		maxInline: cfg.MaxInlinePayloadBytes,
	}
}

// StoreEvent accepts an event from instrumentation. Invalid events are
// dropped with a log line; nothing here returns an error to the
// caller's thread.
func (q *Queue) StoreEvent(ctx context.Context, event *signal.Event) {
	if err := event.Validate(); err != nil {
		q.logger.Warn("dropping invalid event", "error", err)
		return
	}
	entry := q.prepare(event)

	if event.Type.CrashClass() {
		// The process may die any moment. Persist synchronously and
		// push everything else out behind it.
		if !q.store.InsertEvent(ctx, entry.event, entry.attachments) {
			q.compensate(entry)
		}
		q.Flush(ctx)
		return
	}

	select {
	case q.events <- entry:
	default:
		// Queue full: one direct insert for the overflowing event,
		// then drain the backlog.
		if !q.store.InsertEvent(ctx, entry.event, entry.attachments) {
			q.compensate(entry)
		}
		q.Flush(ctx)
	}
}

// StoreSpan accepts a span from instrumentation.
func (q *Queue) StoreSpan(ctx context.Context, span *signal.Span) {
	select {
	case q.spans <- span:
	default:
		if !q.store.InsertSpan(ctx, span) {
			q.logger.Warn("dropping span on overflow insert failure", "span", span.SpanID)
		}
		q.Flush(ctx)
	}
}

// Flush drains both buffers into one bulk store write. Single-flight:
// a concurrent call while a drain is running returns immediately. If
// the bulk write fails, the drained signals are not re-enqueued; the
// only recovery is deleting the files they reference, since a re-try
// could not tell transient failures from malformed rows.
func (q *Queue) Flush(ctx context.Context) {
	if !q.flushing.CompareAndSwap(false, true) {
		return
	}
	defer q.flushing.Store(false)

	var entries []queuedEvent
	var events []*signal.Event
	var attachments []signal.Attachment
drainEvents:
	for {
		select {
		case entry := <-q.events:
			entries = append(entries, entry)
			events = append(events, entry.event)
			attachments = append(attachments, entry.attachments...)
		default:
			break drainEvents
		}
	}

	var spans []*signal.Span
drainSpans:
	for {
		select {
		case span := <-q.spans:
			spans = append(spans, span)
		default:
			break drainSpans
		}
	}

	if len(events) == 0 && len(spans) == 0 {
		return
	}
	if !q.store.InsertSignals(ctx, events, attachments, spans) {
		for _, entry := range entries {
			q.compensate(entry)
		}
	}
}

// attachmentManifestEntry is the per-attachment metadata carried in
// the event's export packet.
type attachmentManifestEntry struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

// prepare finishes an event for persistence: attachment inputs become
// files plus metadata rows, and oversized or crash-class payloads are
// spilled to the file area.
func (q *Queue) prepare(event *signal.Event) queuedEvent {
	var attachments []signal.Attachment
	var manifest []attachmentManifestEntry
	var totalSize int64

	for _, input := range event.AttachmentInputs {
		att := signal.Attachment{
			ID:        uuid.NewString(),
			Type:      input.Type,
			Name:      input.Name,
			EventID:   event.ID,
			SessionID: event.SessionID,
			Timestamp: event.Timestamp,
		}
		switch {
		case len(input.Bytes) > 0:
			path, err := q.files.WriteAttachment(att.ID, input.Bytes)
			if err != nil {
				q.logger.Warn("attachment unavailable",
					"event", event.ID, "name", input.Name, "error", err)
				continue
			}
			att.Path = path
			totalSize += int64(len(input.Bytes))
		case input.Path != "":
			att.Path = input.Path
			if size, err := q.files.Size(input.Path); err == nil {
				totalSize += size
			}
		default:
			continue
		}
		attachments = append(attachments, att)
		manifest = append(manifest, attachmentManifestEntry{ID: att.ID, Name: att.Name, Type: att.Type})
	}
	event.AttachmentInputs = nil
	event.AttachmentsSize = totalSize
	if len(manifest) > 0 {
		data, err := codec.Marshal(manifest)
		if err != nil {
			q.logger.Error("encoding attachment manifest", "event", event.ID, "error", err)
		} else {
			event.AttachmentManifest = data
		}
	}

	if inline, ok := event.Payload.Inline(); ok {
		if event.Type.CrashClass() || len(inline) > q.maxInline {
			path, err := q.files.WriteEventPayload(event.ID, inline)
			if err != nil {
				// Keep the inline payload; a row must never
				// reference a file that was not written.
				q.logger.Warn("payload spill failed, keeping inline",
					"event", event.ID, "error", err)
			} else {
				event.Payload = signal.NewFilePayload(path)
			}
		}
	}
	return queuedEvent{event: event, attachments: attachments}
}

// compensate removes the files a failed event insert left behind.
func (q *Queue) compensate(entry queuedEvent) {
	var paths []string
	if path, ok := entry.event.Payload.File(); ok {
		paths = append(paths, path)
	}
	for _, att := range entry.attachments {
		paths = append(paths, att.Path)
	}
	q.files.Delete(paths)
	q.logger.Warn("discarded event after failed insert",
		"event", entry.event.ID, "type", entry.event.Type)
}
