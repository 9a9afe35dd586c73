// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package filestore manages the on-disk file area for signal data that
// is too large for the database: spilled event payloads and attachment
// bytes. The database stores only paths into this area.
package filestore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Store is a file area rooted at one directory, with events and
// attachments kept in separate subdirectories keyed by id.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates the file area under dir if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	for _, sub := range []string{"events", "attachments"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("filestore: creating %s area: %w", sub, err)
		}
	}
	return &Store{dir: dir, logger: logger}, nil
}

// WriteEventPayload writes an event's payload bytes and returns the
// path for the event row to reference.
func (s *Store) WriteEventPayload(eventID string, data []byte) (string, error) {
	return s.write(filepath.Join(s.dir, "events", eventID), data)
}

// WriteAttachment writes attachment bytes and returns their path.
func (s *Store) WriteAttachment(attachmentID string, data []byte) (string, error) {
	return s.write(filepath.Join(s.dir, "attachments", attachmentID), data)
}

func (s *Store) write(path string, data []byte) (string, error) {
	// Write-then-rename so a crash mid-write never leaves a partial
	// file behind at the referenced path.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("filestore: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("filestore: placing %s: %w", path, err)
	}
	return path, nil
}

// Delete removes the given paths, best effort. Missing files are not
// errors; other failures are logged and skipped so one bad path does
// not strand the rest.
func (s *Store) Delete(paths []string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to delete signal file", "path", path, "error", err)
		}
	}
}

// Size returns the byte size of a file in the area.
func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("filestore: stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// Usable reports whether path exists and is non-empty. The exporter
// drops events whose payload file is missing or truncated rather than
// shipping an unreadable packet.
func (s *Store) Usable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
