// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracelet is the top-level entry point of the signal
// persistence and batching engine. Start wires the queue, store,
// session manager, exporter, and cleanup service together and owns
// their lifetimes; instrumentation hands signals to the returned SDK
// and the host relays lifecycle transitions to it.
package tracelet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/tracelet/tracelet/cleanup"
	"github.com/tracelet/tracelet/config"
	"github.com/tracelet/tracelet/export"
	"github.com/tracelet/tracelet/filestore"
	"github.com/tracelet/tracelet/lib/clock"
	"github.com/tracelet/tracelet/queue"
	"github.com/tracelet/tracelet/schedule"
	"github.com/tracelet/tracelet/session"
	"github.com/tracelet/tracelet/signal"
	"github.com/tracelet/tracelet/store"
)

// Options configures Start. Transport is the only required field;
// everything else has a working default.
type Options struct {
	// Config tunes the engine. Nil means config.Default.
	Config *config.Config

	// Transport delivers encoded batches. Required.
	Transport export.Transport

	Logger *slog.Logger

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clock.Clock

	// Sampler decides whether a new session is priority. Defaults to
	// a rate sampler on Config.SamplingRate.
	Sampler session.Sampler

	// AppVersion and AppBuild identify the host application build in
	// session records.
	AppVersion string
	AppBuild   string

	// PID defaults to the current process id.
	PID int
}

// SDK is a running engine. All methods are safe for concurrent use.
type SDK struct {
	cfg          *config.Config
	logger       *slog.Logger
	clock        clock.Clock
	alwaysExport map[signal.EventType]bool

	store    *store.Store
	files    *filestore.Store
	queue    *queue.Queue
	sessions *session.Manager
	exporter *export.Exporter
	cleaner  *cleanup.Service

	flushLoop   *schedule.Repeater
	cleanupLoop *schedule.Repeater

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Start opens the data directory, recovers crash state from the
// previous process, begins a new session, and launches the periodic
// flush and cleanup loops. The returned SDK must be Closed to release
// the database.
func Start(ctx context.Context, opts Options) (*SDK, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("tracelet: Transport is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ClampCeiling()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracelet: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = session.RateSampler(cfg.SamplingRate)
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("tracelet: creating data dir: %w", err)
	}
	files, err := filestore.New(cfg.FilesDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("tracelet: %w", err)
	}
	st, err := store.Open(store.Config{
		Path:     cfg.DatabasePath(),
		PoolSize: cfg.StorePoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tracelet: %w", err)
	}

	sessions, err := session.NewManager(session.Config{
		Store:               st,
		Clock:               clk,
		Logger:              logger,
		DescriptorPath:      cfg.DescriptorPath(),
		PID:                 pid,
		AppVersion:          opts.AppVersion,
		AppBuild:            opts.AppBuild,
		BackgroundThreshold: cfg.BackgroundThreshold,
		MaxSessionDuration:  cfg.MaxSessionDuration,
		Sampler:             sampler,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("tracelet: %w", err)
	}
	if err := sessions.Start(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("tracelet: %w", err)
	}

	q := queue.New(queue.Config{
		Capacity:              cfg.QueueCapacity,
		MaxInlinePayloadBytes: cfg.MaxInlinePayloadBytes,
		Store:                 st,
		Files:                 files,
		Logger:                logger,
	})
	creator, err := export.NewCreator(export.CreatorConfig{
		Store:              st,
		Clock:              clk,
		Logger:             logger,
		MaxBatchSize:       cfg.MaxBatchSize,
		MaxAttachmentBytes: cfg.MaxAttachmentBytesPerBatch,
		AllowTypes:         cfg.AlwaysExportTypes,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("tracelet: %w", err)
	}
	exporter, err := export.NewExporter(export.ExporterConfig{
		Store:     st,
		Files:     files,
		Creator:   creator,
		Transport: opts.Transport,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("tracelet: %w", err)
	}
	cleaner, err := cleanup.New(cleanup.Config{
		Store:          st,
		Files:          files,
		Logger:         logger,
		CurrentSession: sessions.CurrentSessionID,
		MaxPerRun:      cfg.MaxCleanupPerRun,
		MaxSignals:     cfg.MaxSignalsInStore,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("tracelet: %w", err)
	}

	alwaysExport := make(map[signal.EventType]bool, len(cfg.AlwaysExportTypes))
	for _, typ := range cfg.AlwaysExportTypes {
		alwaysExport[typ] = true
	}
	sdk := &SDK{
		cfg:          cfg,
		logger:       logger,
		clock:        clk,
		alwaysExport: alwaysExport,
		store:        st,
		files:        files,
		queue:        q,
		sessions:     sessions,
		exporter:     exporter,
		cleaner:      cleaner,
	}
	sdk.flushLoop = schedule.NewRepeater("flush", cfg.FlushInterval, clk, logger, func(ctx context.Context) {
		sdk.queue.Flush(ctx)
		if err := sdk.exporter.Export(ctx); err != nil {
			logger.Warn("export pass failed", "error", err)
		}
	})
	sdk.cleanupLoop = schedule.NewRepeater("cleanup", cfg.CleanupInterval, clk, logger, func(ctx context.Context) {
		if err := sdk.cleaner.Run(ctx); err != nil {
			logger.Warn("cleanup pass failed", "error", err)
		}
	})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sdk.cancel = cancel
	sdk.flushLoop.Start(loopCtx)
	sdk.cleanupLoop.Start(loopCtx)

	logger.Info("engine started",
		"session", sessions.CurrentSessionID(),
		"data_dir", cfg.DataDir)
	return sdk, nil
}

// Store accepts an event from instrumentation. A missing ID is
// generated, and a missing SessionID or Timestamp is filled from the
// current session and clock. The call never blocks on the database
// except for crash-class events and queue overflow.
func (s *SDK) Store(ctx context.Context, event *signal.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.SessionID == "" {
		event.SessionID = s.sessions.CurrentSessionID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if !event.Sampled {
		// Collectors may pre-mark an event sampled; otherwise the
		// session's reporting state and the always-export allow-list
		// decide. Crash-class events always ship.
		event.Sampled = event.Type.CrashClass() ||
			s.alwaysExport[event.Type] ||
			s.sessions.ShouldReport()
	}
	s.queue.StoreEvent(ctx, event)
}

// StoreSpan accepts a span from instrumentation, filling SpanID,
// SessionID, and StartTime like Store does for events.
func (s *SDK) StoreSpan(ctx context.Context, span *signal.Span) {
	if span.SpanID == "" {
		span.SpanID = uuid.NewString()
	}
	if span.TraceID == "" {
		span.TraceID = uuid.NewString()
	}
	if span.SessionID == "" {
		span.SessionID = s.sessions.CurrentSessionID()
	}
	if span.StartTime.IsZero() {
		span.StartTime = s.clock.Now()
	}
	if !span.Sampled {
		span.Sampled = s.sessions.ShouldReport()
	}
	s.queue.StoreSpan(ctx, span)
}

// Flush drains the in-memory queue to the store and runs one export
// pass.
func (s *SDK) Flush(ctx context.Context) error {
	s.queue.Flush(ctx)
	return s.exporter.Export(ctx)
}

// CurrentSessionID reports the session new signals are attributed to.
func (s *SDK) CurrentSessionID() string {
	return s.sessions.CurrentSessionID()
}

// MarkForReporting flags the current session so its signals are
// exported.
func (s *SDK) MarkForReporting(ctx context.Context) error {
	return s.sessions.MarkForReporting(ctx)
}

// OnForeground tells the engine the app returned to the foreground.
// It may rotate the session.
func (s *SDK) OnForeground(ctx context.Context) error {
	return s.sessions.OnForeground(ctx)
}

// OnBackground tells the engine the app left the foreground. The
// queue is drained so a kill while backgrounded loses nothing.
func (s *SDK) OnBackground(ctx context.Context) {
	s.sessions.OnBackground()
	s.queue.Flush(ctx)
}

// OnCrash marks the current session crashed and rewrites the
// recent-session descriptor, so the next launch reports it. The
// crash event itself still goes through Store, which persists
// crash-class events synchronously.
func (s *SDK) OnCrash(ctx context.Context) error {
	return s.sessions.OnCrash(ctx)
}

// Close stops the periodic loops, drains the queue, and closes the
// database. Safe to call more than once.
func (s *SDK) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.flushLoop.Stop()
		s.cleanupLoop.Stop()
		s.cancel()
		s.queue.Flush(ctx)
		s.closeErr = s.store.Close()
		s.logger.Info("engine stopped")
	})
	return s.closeErr
}
