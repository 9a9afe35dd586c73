// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/tracelet/tracelet/filestore"
	"github.com/tracelet/tracelet/signal"
	"github.com/tracelet/tracelet/store"
)

// Transport delivers one serialized batch. The SDK ships no network
// client; integrators supply an implementation and own auth, retry
// backoff, and the wire protocol beyond the payload bytes.
type Transport interface {
	Send(ctx context.Context, batchID string, payload []byte) error
}

// ExporterConfig holds the exporter parameters.
type ExporterConfig struct {
	Store     *store.Store
	Files     *filestore.Store
	Creator   *Creator
	Transport Transport
	Logger    *slog.Logger
}

// Exporter drives batches through the transport. Export passes are
// single-flight; retries come from the periodic scheduler calling
// Export again, never from an internal loop.
type Exporter struct {
	cfg       ExporterConfig
	logger    *slog.Logger
	exporting atomic.Bool
}

// NewExporter validates cfg and returns an Exporter.
func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("export: Store is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("export: Files is required")
	}
	if cfg.Creator == nil {
		return nil, fmt.Errorf("export: Creator is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("export: Transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Exporter{cfg: cfg, logger: logger}, nil
}

// Export sends batches left over from previous runs first, then
// creates new batches from unbatched signals and sends those. A
// transport failure stops the pass and leaves the failed batch and
// everything behind it intact for the next run. A concurrent call
// while a pass is running is a no-op.
func (e *Exporter) Export(ctx context.Context) error {
	if !e.exporting.CompareAndSwap(false, true) {
		return nil
	}
	defer e.exporting.Store(false)

	if err := e.exportReady(ctx); err != nil {
		return err
	}

	created, err := e.cfg.Creator.Create(ctx)
	if err != nil {
		return err
	}
	if created == 0 {
		return nil
	}
	return e.exportReady(ctx)
}

// exportReady sends every stored batch oldest-first.
func (e *Exporter) exportReady(ctx context.Context) error {
	batches, err := e.cfg.Store.Batches(ctx)
	if err != nil {
		return err
	}
	for i := range batches {
		if err := e.exportBatch(ctx, &batches[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) exportBatch(ctx context.Context, batch *signal.Batch) error {
	// Eviction may have emptied the batch since creation; nothing to
	// send, drop the husk.
	if batch.Empty() {
		e.logger.Debug("dropping empty batch", "batch", batch.ID)
		return e.cfg.Store.DeleteBatch(ctx, batch.ID)
	}

	env, filePaths, err := e.buildEnvelope(ctx, batch)
	if err != nil {
		return err
	}
	if len(env.Events) == 0 && len(env.Spans) == 0 {
		// Every member was dropped (rows evicted or payload files
		// unreadable). Treat like an empty batch.
		e.cfg.Files.Delete(filePaths)
		return e.cfg.Store.DeleteBatch(ctx, batch.ID)
	}

	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := e.cfg.Transport.Send(ctx, batch.ID, payload); err != nil {
		e.logger.Warn("batch send failed, will retry", "batch", batch.ID, "error", err)
		return fmt.Errorf("export: sending batch %s: %w", batch.ID, err)
	}

	if err := e.cfg.Store.DeleteBatch(ctx, batch.ID); err != nil {
		return err
	}
	e.cfg.Files.Delete(filePaths)
	e.logger.Info("batch exported", "batch", batch.ID,
		"events", len(env.Events), "spans", len(env.Spans))
	return nil
}

// buildEnvelope loads the batch members and serializes them, dropping
// events whose payload file is missing or unreadable. It also returns
// every file path the batch references so the caller can delete the
// files once the rows are gone.
func (e *Exporter) buildEnvelope(ctx context.Context, batch *signal.Batch) (*Envelope, []string, error) {
	env := &Envelope{
		BatchID:   batch.ID,
		CreatedAt: batch.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	eventRows, err := e.cfg.Store.EventPackets(ctx, batch.EventIDs)
	if err != nil {
		return nil, nil, err
	}
	var filePaths []string
	for _, row := range eventRows {
		payload := row.Payload
		if row.PayloadPath != "" {
			filePaths = append(filePaths, row.PayloadPath)
			if !e.cfg.Files.Usable(row.PayloadPath) {
				e.logger.Warn("dropping event with unusable payload file",
					"event", row.ID, "path", row.PayloadPath)
				continue
			}
			payload, err = os.ReadFile(row.PayloadPath)
			if err != nil {
				e.logger.Warn("dropping event with unreadable payload file",
					"event", row.ID, "path", row.PayloadPath, "error", err)
				continue
			}
		}
		env.Events = append(env.Events, eventPacket(row, payload))
	}

	attachments, err := e.cfg.Store.AttachmentsForEvents(ctx, batch.EventIDs)
	if err != nil {
		return nil, nil, err
	}
	for _, att := range attachments {
		filePaths = append(filePaths, att.Path)
	}

	spanRows, err := e.cfg.Store.SpanPackets(ctx, batch.SpanIDs)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range spanRows {
		env.Spans = append(env.Spans, spanPacket(row))
	}
	return env, filePaths, nil
}
