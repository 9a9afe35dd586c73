// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package export turns stored signals into upload batches and drives
// their delivery over a caller-supplied transport.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tracelet/tracelet/lib/clock"
	"github.com/tracelet/tracelet/signal"
	"github.com/tracelet/tracelet/store"
)

// CreatorConfig holds the batch creation parameters.
type CreatorConfig struct {
	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger

	// MaxBatchSize caps signals per batch.
	MaxBatchSize int

	// MaxAttachmentBytes budgets attachment bytes per batch. The
	// first signal of a batch may exceed it alone; a signal is never
	// unexportable just because its own attachments are too big.
	MaxAttachmentBytes int64

	// AllowTypes are event types exported even from sessions not
	// flagged for reporting.
	AllowTypes []signal.EventType
}

// Creator forms batches from unbatched stored signals.
type Creator struct {
	cfg    CreatorConfig
	logger *slog.Logger
}

// NewCreator validates cfg and returns a Creator.
func NewCreator(cfg CreatorConfig) (*Creator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("export: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("export: Clock is required")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("export: MaxBatchSize must be at least 1, got %d", cfg.MaxBatchSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Creator{cfg: cfg, logger: logger}, nil
}

// Create forms batches until no eligible signals remain, returning
// the number created. Each batch is persisted atomically before the
// next selection, so a signal picked into one batch is invisible to
// the next.
func (c *Creator) Create(ctx context.Context) (int, error) {
	created := 0
	for {
		batch, err := c.buildOne(ctx)
		if err != nil {
			return created, err
		}
		if batch == nil {
			return created, nil
		}
		if !c.cfg.Store.InsertBatch(ctx, batch) {
			// The batch row never landed; its members stay
			// selectable for the next pass.
			return created, fmt.Errorf("export: persisting batch %s failed", batch.ID)
		}
		created++
		c.logger.Debug("batch created", "batch", batch.ID,
			"events", len(batch.EventIDs), "spans", len(batch.SpanIDs))
	}
}

// buildOne selects members for a single batch, or nil when nothing is
// eligible. Priority sessions' events come back first from the store;
// the attachment budget truncates the tail.
func (c *Creator) buildOne(ctx context.Context) (*signal.Batch, error) {
	candidates, err := c.cfg.Store.UnbatchedEvents(ctx, c.cfg.MaxBatchSize, c.cfg.AllowTypes, "")
	if err != nil {
		return nil, err
	}

	var eventIDs []string
	var attachmentBytes int64
	for _, candidate := range candidates {
		if len(eventIDs) > 0 && attachmentBytes+candidate.AttachmentsSize > c.cfg.MaxAttachmentBytes {
			break
		}
		eventIDs = append(eventIDs, candidate.ID)
		attachmentBytes += candidate.AttachmentsSize
	}

	var spanIDs []string
	if remaining := c.cfg.MaxBatchSize - len(eventIDs); remaining > 0 {
		spanIDs, err = c.cfg.Store.UnbatchedSpans(ctx, remaining, "")
		if err != nil {
			return nil, err
		}
	}

	if len(eventIDs) == 0 && len(spanIDs) == 0 {
		return nil, nil
	}
	return &signal.Batch{
		ID:        uuid.NewString(),
		CreatedAt: c.cfg.Clock.Now(),
		EventIDs:  eventIDs,
		SpanIDs:   spanIDs,
	}, nil
}
