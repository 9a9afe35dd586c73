// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import "time"

// Session groups the signals recorded during one stretch of app use.
// Deleting a session removes its events, spans, and attachments.
type Session struct {
	ID string

	// PID is the process the session started in, for correlating the
	// session with OS process-exit records.
	PID int

	CreatedAt time.Time

	// NeedsReporting is sticky: once set it never reverts. It makes
	// the session's signals eligible for batching regardless of
	// per-signal sampling.
	NeedsReporting bool

	// Crashed is set when a crash was observed during the session, or
	// retroactively on the next launch when the previous process died
	// before it could record one.
	Crashed bool

	// Priority sessions are selected first during batch creation.
	Priority bool

	// AppVersion and AppBuild identify the build the session ran on.
	AppVersion string
	AppBuild   string
}

// Batch is a set of signals grouped for one upload attempt. A signal
// belongs to at most one batch at a time.
type Batch struct {
	ID        string
	CreatedAt time.Time
	EventIDs  []string
	SpanIDs   []string
}

// Empty reports whether the batch has no members left, which happens
// when eviction removed them after the batch was created.
func (b *Batch) Empty() bool {
	return len(b.EventIDs) == 0 && len(b.SpanIDs) == 0
}
