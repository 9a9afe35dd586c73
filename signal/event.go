// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"fmt"
	"time"
)

// EventType identifies what kind of occurrence an event records.
type EventType string

const (
	TypeException         EventType = "exception"
	TypeANR               EventType = "anr"
	TypeHTTP              EventType = "http"
	TypeGestureClick      EventType = "gesture_click"
	TypeGestureLongClick  EventType = "gesture_long_click"
	TypeGestureScroll     EventType = "gesture_scroll"
	TypeLifecycleActivity EventType = "lifecycle_activity"
	TypeLifecycleApp      EventType = "lifecycle_app"
	TypeColdLaunch        EventType = "cold_launch"
	TypeWarmLaunch        EventType = "warm_launch"
	TypeHotLaunch         EventType = "hot_launch"
	TypeNetworkChange     EventType = "network_change"
	TypeScreenView        EventType = "screen_view"
	TypeBugReport         EventType = "bug_report"
	TypeCustom            EventType = "custom"
)

// CrashClass reports whether events of this type may be the last code
// to run before process death. The queue gives them a synchronous
// durable path instead of buffering them.
func (t EventType) CrashClass() bool {
	return t == TypeException || t == TypeANR
}

// Event is an immutable record of something that happened inside the
// monitored application.
type Event struct {
	// ID is a UUID unique across all events.
	ID string

	// Type classifies the event.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// SessionID is the session that was current when the event was
	// recorded.
	SessionID string

	// UserTriggered marks events produced by an explicit user action.
	UserTriggered bool

	// Payload is the type-specific body, inline or spilled to a file.
	Payload Payload

	// Attributes and UserAttributes are pre-serialized attribute
	// blobs supplied by the instrumentation layer. The engine treats
	// them as opaque bytes.
	Attributes     []byte
	UserAttributes []byte

	// AttachmentsSize is the total byte size of the event's
	// attachments, used for batch budgeting.
	AttachmentsSize int64

	// AttachmentManifest is the serialized list of attachment
	// metadata carried in the export packet.
	AttachmentManifest []byte

	// Sampled events are eligible for export. Unsampled events are
	// kept only until eviction, unless their session later needs
	// reporting.
	Sampled bool

	// AttachmentInputs is raw attachment material accepted from
	// instrumentation. The queue materializes these into Attachment
	// rows and files before the event is persisted; the store never
	// sees this field.
	AttachmentInputs []AttachmentInput
}

// Validate reports whether the event is well-formed enough to persist.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("signal: event has no id")
	}
	if e.SessionID == "" {
		return fmt.Errorf("signal: event %s has no session id", e.ID)
	}
	if e.Type == "" {
		return fmt.Errorf("signal: event %s has no type", e.ID)
	}
	if e.Payload.IsZero() {
		return fmt.Errorf("signal: event %s: %w", e.ID, ErrPayloadExclusivity)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("signal: event %s has no timestamp", e.ID)
	}
	return nil
}

// AttachmentInput is attachment material as handed over by an
// instrumentation hook: bytes to be written to the file area, or a
// path to a file the hook already wrote.
type AttachmentInput struct {
	Name  string
	Type  string
	Bytes []byte
	Path  string
}

// Attachment is stored attachment metadata. The bytes live in the file
// area under Path; the store holds only this record.
type Attachment struct {
	ID   string
	Type string
	Name string
	Path string

	// EventID is a back-reference to the owning event.
	EventID string

	// SessionID and Timestamp mirror the owning event so attachment
	// rows can be selected per session without a join.
	SessionID string
	Timestamp time.Time
}
