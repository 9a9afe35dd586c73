// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package tracelet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tracelet/tracelet/config"
	"github.com/tracelet/tracelet/export"
	"github.com/tracelet/tracelet/lib/clock"
	"github.com/tracelet/tracelet/signal"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingTransport is safe for use from the flush loop goroutine.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []string
	payload map[string][]byte
}

func (r *recordingTransport) Send(ctx context.Context, batchID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, batchID)
	if r.payload == nil {
		r.payload = make(map[string][]byte)
	}
	r.payload[batchID] = payload
	return nil
}

func (r *recordingTransport) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingTransport) lastPayload() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.payload[r.sent[len(r.sent)-1]]
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	return cfg
}

func startSDK(t *testing.T, dir string, fake *clock.FakeClock, sample bool) (*SDK, *recordingTransport) {
	t.Helper()
	transport := &recordingTransport{}
	sdk, err := Start(context.Background(), Options{
		Config:     testConfig(dir),
		Transport:  transport,
		Clock:      fake,
		Sampler:    func() bool { return sample },
		AppVersion: "1.2.3",
		AppBuild:   "456",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sdk.Close(context.Background()) })
	return sdk, transport
}

func customEvent() *signal.Event {
	payload, _ := signal.NewPayload([]byte(`{"name":"checkout"}`), "")
	return &signal.Event{Type: signal.TypeCustom, Payload: payload}
}

func TestStartRequiresTransport(t *testing.T) {
	if _, err := Start(context.Background(), Options{}); err == nil {
		t.Fatal("Start without transport succeeded")
	}
}

func TestStoreFillsAttributionAndExports(t *testing.T) {
	ctx := context.Background()
	sdk, transport := startSDK(t, t.TempDir(), clock.NewFake(epoch), true)

	event := customEvent()
	sdk.Store(ctx, event)
	if event.ID == "" {
		t.Fatal("Store did not assign an id")
	}
	if got, want := event.SessionID, sdk.CurrentSessionID(); got != want {
		t.Fatalf("event session = %q, want %q", got, want)
	}
	if !event.Timestamp.Equal(epoch) {
		t.Fatalf("event timestamp = %v, want %v", event.Timestamp, epoch)
	}

	if err := sdk.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := transport.sentCount(); got != 1 {
		t.Fatalf("transport sends = %d, want 1", got)
	}
	env, err := export.DecodeEnvelope(transport.lastPayload())
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if len(env.Events) != 1 || env.Events[0].ID != event.ID {
		t.Fatalf("envelope events = %+v, want the stored event", env.Events)
	}
}

func TestUnsampledSessionExportsNothing(t *testing.T) {
	ctx := context.Background()
	sdk, transport := startSDK(t, t.TempDir(), clock.NewFake(epoch), false)

	sdk.Store(ctx, customEvent())
	if err := sdk.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := transport.sentCount(); got != 0 {
		t.Fatalf("transport sends = %d, want 0", got)
	}
}

func TestMarkForReportingUnlocksExport(t *testing.T) {
	ctx := context.Background()
	sdk, transport := startSDK(t, t.TempDir(), clock.NewFake(epoch), false)

	if err := sdk.MarkForReporting(ctx); err != nil {
		t.Fatalf("MarkForReporting: %v", err)
	}
	sdk.Store(ctx, customEvent())
	if err := sdk.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := transport.sentCount(); got != 1 {
		t.Fatalf("transport sends = %d, want 1", got)
	}
}

func TestCrashIsReportedAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fake := clock.NewFake(epoch)

	sdk1, transport1 := startSDK(t, dir, fake, false)
	sdk1.Store(ctx, customEvent())
	if err := sdk1.OnCrash(ctx); err != nil {
		t.Fatalf("OnCrash: %v", err)
	}
	// Simulate the process dying before Close by only closing to
	// release the database lock for the second instance.
	if err := sdk1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := transport1.sentCount(); got != 0 {
		t.Fatalf("first instance sends = %d, want 0", got)
	}

	sdk2, transport2 := startSDK(t, dir, fake, false)
	if err := sdk2.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := transport2.sentCount(); got != 1 {
		t.Fatalf("second instance sends = %d, want 1", got)
	}
	env, err := export.DecodeEnvelope(transport2.lastPayload())
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got, want := env.Events[0].SessionID, sdk1.CurrentSessionID(); got != want {
		t.Fatalf("exported session = %q, want crashed session %q", got, want)
	}
}

func TestBackgroundFlushPersistsQueue(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(epoch)
	sdk, _ := startSDK(t, t.TempDir(), fake, true)

	sdk.Store(ctx, customEvent())
	sdk.OnBackground(ctx)

	events, spans, err := sdk.store.SignalCounts(ctx)
	if err != nil {
		t.Fatalf("SignalCounts: %v", err)
	}
	if events != 1 || spans != 0 {
		t.Fatalf("stored signals = %d events, %d spans, want 1 and 0", events, spans)
	}
}

func TestForegroundAfterLongBackgroundRotates(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(epoch)
	sdk, _ := startSDK(t, t.TempDir(), fake, true)

	first := sdk.CurrentSessionID()
	sdk.OnBackground(ctx)
	fake.Advance(time.Hour)
	if err := sdk.OnForeground(ctx); err != nil {
		t.Fatalf("OnForeground: %v", err)
	}
	if sdk.CurrentSessionID() == first {
		t.Fatal("session did not rotate after a long background")
	}
}

func TestPeriodicLoopFlushesAndExports(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(epoch)
	sdk, transport := startSDK(t, t.TempDir(), fake, true)

	sdk.Store(ctx, customEvent())

	// Both loops register their tickers from their own goroutines.
	deadline := time.Now().Add(5 * time.Second)
	for fake.PendingCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("loops never armed their tickers")
		}
		time.Sleep(time.Millisecond)
	}
	fake.Advance(sdk.cfg.FlushInterval)
	for transport.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("periodic loop never exported")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sdk, _ := startSDK(t, t.TempDir(), clock.NewFake(epoch), false)
	if err := sdk.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sdk.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
