// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import "time"

// SpanStatus is the outcome recorded on a finished span.
type SpanStatus int64

const (
	SpanStatusUnset SpanStatus = 0
	SpanStatusOK    SpanStatus = 1
	SpanStatusError SpanStatus = 2
)

// Span is a timed operation within a trace.
type Span struct {
	// SpanID is unique within the trace; TraceID groups related
	// spans; ParentID is empty for root spans.
	SpanID   string
	TraceID  string
	ParentID string

	Name      string
	SessionID string

	StartTime time.Time
	EndTime   time.Time

	Status SpanStatus

	// Attributes, UserAttributes, and Checkpoints are opaque
	// pre-serialized blobs, like the event attribute fields.
	Attributes     []byte
	UserAttributes []byte
	Checkpoints    []byte

	// Sampled spans are eligible for export.
	Sampled bool

	// Ended is false for spans persisted before their end was
	// observed, which happens only on crash paths.
	Ended bool
}

// Duration returns the elapsed time between start and end, or zero for
// spans that never ended.
func (s *Span) Duration() time.Duration {
	if !s.Ended || s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
