// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"testing"
	"time"
)

func TestNewPayloadExclusivity(t *testing.T) {
	if _, err := NewPayload([]byte("body"), "/tmp/p"); !errors.Is(err, ErrPayloadExclusivity) {
		t.Errorf("both set: err = %v, want ErrPayloadExclusivity", err)
	}
	if _, err := NewPayload(nil, ""); !errors.Is(err, ErrPayloadExclusivity) {
		t.Errorf("neither set: err = %v, want ErrPayloadExclusivity", err)
	}

	p, err := NewPayload([]byte("body"), "")
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	if data, ok := p.Inline(); !ok || string(data) != "body" {
		t.Errorf("Inline() = %q, %v", data, ok)
	}
	if _, ok := p.File(); ok {
		t.Error("inline payload reports a file")
	}

	p, err = NewPayload(nil, "/data/events/e1")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if path, ok := p.File(); !ok || path != "/data/events/e1" {
		t.Errorf("File() = %q, %v", path, ok)
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	valid := Event{
		ID:        "e1",
		Type:      TypeHTTP,
		Timestamp: now,
		SessionID: "s1",
		Payload:   NewInlinePayload([]byte("{}")),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	broken := valid
	broken.Payload = Payload{}
	if err := broken.Validate(); !errors.Is(err, ErrPayloadExclusivity) {
		t.Errorf("zero payload: err = %v, want ErrPayloadExclusivity", err)
	}

	broken = valid
	broken.SessionID = ""
	if err := broken.Validate(); err == nil {
		t.Error("event without session id accepted")
	}
}

func TestCrashClass(t *testing.T) {
	for _, typ := range []EventType{TypeException, TypeANR} {
		if !typ.CrashClass() {
			t.Errorf("%s not crash class", typ)
		}
	}
	for _, typ := range []EventType{TypeHTTP, TypeColdLaunch, TypeCustom} {
		if typ.CrashClass() {
			t.Errorf("%s is crash class", typ)
		}
	}
}

func TestSpanDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Span{StartTime: start, EndTime: start.Add(250 * time.Millisecond), Ended: true}
	if got := s.Duration(); got != 250*time.Millisecond {
		t.Errorf("Duration = %v", got)
	}
	s.Ended = false
	if got := s.Duration(); got != 0 {
		t.Errorf("unended Duration = %v", got)
	}
}
