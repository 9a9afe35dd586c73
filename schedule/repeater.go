// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule runs recurring maintenance work on an injected
// clock. The core components expose plain "do one unit of work" entry
// points and hold no timers of their own; a Repeater triggers them.
package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tracelet/tracelet/lib/clock"
)

// Repeater invokes a task at a fixed interval in one goroutine, so
// runs never overlap. A tick that fires while the task is still
// running is absorbed by the ticker's buffer or dropped.
type Repeater struct {
	name     string
	interval time.Duration
	task     func(context.Context)
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewRepeater builds a repeater. name appears in log lines.
func NewRepeater(name string, interval time.Duration, clk clock.Clock, logger *slog.Logger, task func(context.Context)) *Repeater {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Repeater{
		name:     name,
		interval: interval,
		task:     task,
		clock:    clk,
		logger:   logger,
	}
}

// Start launches the tick loop. Calling Start on a running repeater
// is a no-op.
func (r *Repeater) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	stop := r.stop

	r.stopped.Add(1)
	go func() {
		defer r.stopped.Done()
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.task(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				r.logger.Debug("repeater context done", "name", r.name)
				return
			}
		}
	}()
	r.logger.Debug("repeater started", "name", r.name, "interval", r.interval)
}

// Stop halts future ticks and waits for the loop goroutine to exit.
// A task already running completes; Stop does not interrupt it.
func (r *Repeater) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	r.stop = nil
	r.mu.Unlock()

	r.stopped.Wait()
	r.logger.Debug("repeater stopped", "name", r.name)
}
