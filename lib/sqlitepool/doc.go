// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool manages a fixed-size pool of SQLite connections
// with the pragmas the SDK's durable store depends on: WAL journaling
// for concurrent readers during writes, a busy timeout so contending
// writers queue instead of failing, and foreign keys enabled so signal
// rows cascade when their session is deleted.
//
// Callers Take a connection, use it (typically inside
// sqlitex.ImmediateTransaction for writes), and Put it back. Take
// honors context cancellation while waiting for a free connection.
package sqlitepool
