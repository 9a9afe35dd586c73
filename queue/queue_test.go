// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracelet/tracelet/filestore"
	"github.com/tracelet/tracelet/signal"
	"github.com/tracelet/tracelet/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	queue *Queue
	store *store.Store
	files *filestore.Store
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "tracelet.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	files, err := filestore.New(filepath.Join(dir, "files"), nil)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	if !s.InsertSession(context.Background(), &signal.Session{ID: "s1", PID: 1, CreatedAt: epoch}) {
		t.Fatal("InsertSession failed")
	}
	q := New(Config{
		Capacity:              capacity,
		MaxInlinePayloadBytes: 64,
		Store:                 s,
		Files:                 files,
	})
	return &fixture{queue: q, store: s, files: files}
}

func event(id string, typ signal.EventType, payload []byte) *signal.Event {
	return &signal.Event{
		ID:        id,
		Type:      typ,
		Timestamp: epoch,
		SessionID: "s1",
		Payload:   signal.NewInlinePayload(payload),
		Sampled:   true,
	}
}

func eventCount(t *testing.T, s *store.Store) int64 {
	t.Helper()
	events, _, err := s.SignalCounts(context.Background())
	if err != nil {
		t.Fatalf("SignalCounts: %v", err)
	}
	return events
}

func TestEnqueueThenFlush(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	f.queue.StoreEvent(ctx, event("e1", signal.TypeHTTP, []byte("{}")))
	f.queue.StoreSpan(ctx, &signal.Span{
		SpanID: "sp1", TraceID: "t1", Name: "op", SessionID: "s1",
		StartTime: epoch, EndTime: epoch.Add(time.Millisecond), Sampled: true, Ended: true,
	})
	if got := eventCount(t, f.store); got != 0 {
		t.Fatalf("events persisted before flush: %d", got)
	}

	f.queue.Flush(ctx)
	events, spans, err := f.store.SignalCounts(ctx)
	if err != nil {
		t.Fatalf("SignalCounts: %v", err)
	}
	if events != 1 || spans != 1 {
		t.Errorf("counts after flush = %d events, %d spans", events, spans)
	}
}

func TestOverflowPersistsBoth(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Second store overflows a capacity-1 queue: the overflowing
	// event takes the direct path and the flush drains the first.
	f.queue.StoreEvent(ctx, event("e1", signal.TypeHTTP, []byte("{}")))
	f.queue.StoreEvent(ctx, event("e2", signal.TypeHTTP, []byte("{}")))

	if got := eventCount(t, f.store); got != 2 {
		t.Errorf("events after overflow = %d, want 2", got)
	}
}

func TestCrashEventBypassesQueue(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	f.queue.StoreEvent(ctx, event("e1", signal.TypeHTTP, []byte("{}")))
	f.queue.StoreEvent(ctx, event("crash", signal.TypeException, []byte(`{"stack":"..."}`)))

	// The crash insert flushed the buffered event along with it.
	if got := eventCount(t, f.store); got != 2 {
		t.Errorf("events after crash = %d, want 2", got)
	}

	packets, err := f.store.EventPackets(ctx, []string{"crash"})
	if err != nil {
		t.Fatalf("EventPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatal("crash event not persisted")
	}
	// Crash payloads are always spilled to a file.
	if packets[0].PayloadPath == "" {
		t.Error("crash payload not spilled to file")
	}
	data, err := os.ReadFile(packets[0].PayloadPath)
	if err != nil {
		t.Fatalf("reading spilled payload: %v", err)
	}
	if !bytes.Contains(data, []byte("stack")) {
		t.Errorf("spilled payload = %q", data)
	}
}

func TestLargePayloadSpilled(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	big := bytes.Repeat([]byte("x"), 100) // over the 64-byte inline cap
	f.queue.StoreEvent(ctx, event("e1", signal.TypeHTTP, big))
	f.queue.StoreEvent(ctx, event("e2", signal.TypeHTTP, []byte("{}")))
	f.queue.Flush(ctx)

	packets, err := f.store.EventPackets(ctx, []string{"e1", "e2"})
	if err != nil {
		t.Fatalf("EventPackets: %v", err)
	}
	for _, p := range packets {
		switch p.ID {
		case "e1":
			if p.PayloadPath == "" || len(p.Payload) != 0 {
				t.Errorf("large payload not spilled: path %q inline %d bytes", p.PayloadPath, len(p.Payload))
			}
		case "e2":
			if p.PayloadPath != "" || len(p.Payload) == 0 {
				t.Errorf("small payload spilled: path %q", p.PayloadPath)
			}
		}
	}
}

func TestAttachmentsMaterialized(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	ev := event("e1", signal.TypeGestureClick, []byte("{}"))
	ev.AttachmentInputs = []signal.AttachmentInput{
		{Name: "screenshot.png", Type: "screenshot", Bytes: []byte("png-bytes")},
	}
	f.queue.StoreEvent(ctx, ev)
	f.queue.Flush(ctx)

	packets, err := f.store.EventPackets(ctx, []string{"e1"})
	if err != nil {
		t.Fatalf("EventPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatal("event not persisted")
	}
	if packets[0].AttachmentsSize != int64(len("png-bytes")) {
		t.Errorf("AttachmentsSize = %d", packets[0].AttachmentsSize)
	}
	if len(packets[0].AttachmentManifest) == 0 {
		t.Error("manifest not set")
	}

	atts, err := f.store.AttachmentsForEvents(ctx, []string{"e1"})
	if err != nil {
		t.Fatalf("AttachmentsForEvents: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	if atts[0].Name != "screenshot.png" || atts[0].SessionID != "s1" {
		t.Errorf("attachment = %+v", atts[0])
	}
	data, err := os.ReadFile(atts[0].Path)
	if err != nil {
		t.Fatalf("reading attachment: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("attachment content = %q", data)
	}
}

func TestFailedFlushCompensatesFiles(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	// Seed a conflicting row so the bulk insert fails.
	seed := event("e1", signal.TypeHTTP, []byte("{}"))
	if !f.store.InsertEvent(ctx, seed, nil) {
		t.Fatal("seeding event failed")
	}

	dup := event("e1", signal.TypeHTTP, bytes.Repeat([]byte("x"), 100))
	dup.AttachmentInputs = []signal.AttachmentInput{
		{Name: "shot", Type: "screenshot", Bytes: []byte("data")},
	}
	f.queue.StoreEvent(ctx, dup)

	// Spill and attachment files exist while queued.
	spilled, ok := dup.Payload.File()
	if !ok {
		t.Fatal("payload was not spilled")
	}

	f.queue.Flush(ctx)

	if _, err := os.Stat(spilled); !os.IsNotExist(err) {
		t.Errorf("spilled payload survived failed flush: %v", err)
	}
	if got := eventCount(t, f.store); got != 1 {
		t.Errorf("events = %d, want just the seed", got)
	}
}

func TestInvalidEventDropped(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	f.queue.StoreEvent(ctx, &signal.Event{ID: "e1", Type: signal.TypeHTTP, SessionID: "s1"})
	f.queue.Flush(ctx)
	if got := eventCount(t, f.store); got != 0 {
		t.Errorf("invalid event persisted: %d", got)
	}
}
