// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndRead(t *testing.T) {
	fs, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := fs.WriteEventPayload("e1", []byte("payload"))
	if err != nil {
		t.Fatalf("WriteEventPayload: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("payload = %q", data)
	}
	size, err := fs.Size(path)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("payload")) {
		t.Errorf("Size = %d", size)
	}
	if !fs.Usable(path) {
		t.Error("Usable = false for fresh payload")
	}
}

func TestDeleteBestEffort(t *testing.T) {
	fs, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := fs.WriteAttachment("a1", []byte("bytes"))
	if err != nil {
		t.Fatalf("WriteAttachment: %v", err)
	}

	// Missing and empty paths must not disturb the real deletion.
	fs.Delete([]string{"", filepath.Join(t.TempDir(), "gone"), path})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("attachment still present: %v", err)
	}
}

func TestUsableRejectsMissingAndEmpty(t *testing.T) {
	fs, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if fs.Usable(filepath.Join(t.TempDir(), "absent")) {
		t.Error("Usable = true for missing file")
	}
	path, err := fs.WriteEventPayload("empty", nil)
	if err != nil {
		t.Fatalf("WriteEventPayload: %v", err)
	}
	if fs.Usable(path) {
		t.Error("Usable = true for empty file")
	}
}
