// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"time"

	"github.com/tracelet/tracelet/lib/codec"
)

// Descriptor is the small record of the most recent session kept
// outside the database. It must be readable on the next process start
// even when the store is unavailable, so crash state left by a dead
// process is never lost.
type Descriptor struct {
	ID        string    `cbor:"id"`
	PID       int       `cbor:"pid"`
	CreatedAt time.Time `cbor:"created_at"`
	Crashed   bool      `cbor:"crashed"`
}

// ReadDescriptor loads the descriptor at path, returning nil when the
// file does not exist (first launch, or cleared data).
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: reading descriptor: %w", err)
	}
	var d Descriptor
	if err := codec.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("session: decoding descriptor: %w", err)
	}
	return &d, nil
}

// WriteDescriptor persists d at path with a write-then-rename so a
// crash mid-write leaves the previous descriptor intact.
func WriteDescriptor(path string, d *Descriptor) error {
	data, err := codec.Marshal(d)
	if err != nil {
		return fmt.Errorf("session: encoding descriptor: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: writing descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: placing descriptor: %w", err)
	}
	return nil
}
