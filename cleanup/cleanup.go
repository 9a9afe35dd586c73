// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package cleanup enforces retention ceilings on the durable store.
//
// A run has three steps, each independently fault tolerant: evict
// unbatched signals outside the current session, prune sessions left
// with nothing, and, when the total signal count still exceeds the
// ceiling, delete the oldest non-current session wholesale. The
// backstop step sacrifices reporting fidelity; unbounded disk growth
// is the worse failure.
package cleanup

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tracelet/tracelet/filestore"
	"github.com/tracelet/tracelet/store"
)

// Config holds the cleanup parameters.
type Config struct {
	Store  *store.Store
	Files  *filestore.Store
	Logger *slog.Logger

	// CurrentSession reports the session that must never be touched.
	CurrentSession func() string

	// MaxPerRun caps rows deleted by one run of step one.
	MaxPerRun int

	// MaxSignals is the ceiling on total stored events plus spans
	// that triggers the whole-session backstop.
	MaxSignals int64
}

// Service runs eviction sweeps. Stateless between runs.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cleanup: Store is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("cleanup: Files is required")
	}
	if cfg.CurrentSession == nil {
		return nil, fmt.Errorf("cleanup: CurrentSession is required")
	}
	if cfg.MaxPerRun < 1 {
		return nil, fmt.Errorf("cleanup: MaxPerRun must be at least 1, got %d", cfg.MaxPerRun)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Service{cfg: cfg, logger: logger}, nil
}

// Run executes one sweep. A failing step is logged and the next step
// still runs; the first error is returned for the caller's log line.
func (s *Service) Run(ctx context.Context) error {
	current := s.cfg.CurrentSession()

	var firstErr error
	note := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Warn("cleanup step failed", "step", step, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("cleanup: %s: %w", step, err)
		}
	}

	note("evict signals", s.evictSignals(ctx, current))
	note("prune empty sessions", s.pruneEmptySessions(ctx, current))
	note("enforce ceiling", s.enforceCeiling(ctx, current))
	return firstErr
}

// evictSignals is step one: delete unbatched signals outside the
// current session in capped chunks, removing their files as rows go.
func (s *Service) evictSignals(ctx context.Context, current string) error {
	const chunk = 100
	deleted := 0
	for deleted < s.cfg.MaxPerRun {
		limit := min(chunk, s.cfg.MaxPerRun-deleted)
		evicted, err := s.cfg.Store.EvictEvents(ctx, current, limit)
		if err != nil {
			return err
		}
		if len(evicted.EventIDs) == 0 {
			break
		}
		deleted += len(evicted.EventIDs)
		s.cfg.Files.Delete(evicted.PayloadPaths)
		s.cfg.Files.Delete(evicted.AttachmentPaths)
	}

	removed := 0
	for removed < s.cfg.MaxPerRun {
		limit := min(chunk, s.cfg.MaxPerRun-removed)
		n, err := s.cfg.Store.EvictSpans(ctx, current, limit)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		removed += n
	}

	if deleted > 0 || removed > 0 {
		s.logger.Debug("evicted signals", "events", deleted, "spans", removed)
	}
	return nil
}

// pruneEmptySessions is step two: drop sessions that step one left
// with no signals.
func (s *Service) pruneEmptySessions(ctx context.Context, current string) error {
	empty, err := s.cfg.Store.EmptySessions(ctx, current)
	if err != nil {
		return err
	}
	if len(empty) == 0 {
		return nil
	}
	if err := s.cfg.Store.DeleteSessions(ctx, empty); err != nil {
		return err
	}
	s.logger.Debug("pruned empty sessions", "count", len(empty))
	return nil
}

// enforceCeiling is step three: while the stored signal count exceeds
// the ceiling, delete the oldest non-current session wholesale, files
// included, even if it was flagged for reporting.
func (s *Service) enforceCeiling(ctx context.Context, current string) error {
	for {
		events, spans, err := s.cfg.Store.SignalCounts(ctx)
		if err != nil {
			return err
		}
		if events+spans <= s.cfg.MaxSignals {
			return nil
		}

		oldest, err := s.cfg.Store.OldestSession(ctx, current)
		if err != nil {
			return err
		}
		if oldest == "" {
			// Everything left belongs to the current session;
			// nothing more can go.
			return nil
		}

		paths, err := s.cfg.Store.SessionFilePaths(ctx, oldest)
		if err != nil {
			return err
		}
		if err := s.cfg.Store.DeleteSessions(ctx, []string{oldest}); err != nil {
			return err
		}
		s.cfg.Files.Delete(paths)
		s.logger.Info("ceiling eviction dropped session",
			"session", oldest, "signals", events+spans, "ceiling", s.cfg.MaxSignals)
	}
}
