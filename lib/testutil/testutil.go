// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests across the SDK.
package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// RequireReceive receives from ch or fails the test after timeout.
func RequireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
		panic("unreachable")
	}
}

// RequireNoReceive fails the test if ch delivers a value within wait.
func RequireNoReceive[T any](t *testing.T, ch <-chan T, wait time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(wait):
	}
}

// UniqueID returns a fresh UUID string for test entities.
func UniqueID(t *testing.T) string {
	t.Helper()
	return uuid.NewString()
}
