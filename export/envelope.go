// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tracelet/tracelet/lib/codec"
	"github.com/tracelet/tracelet/store"
)

// Envelope is the wire form of one batch: deterministic CBOR,
// zstd-compressed. Timestamps are RFC3339Nano strings so the backend
// does not need to share this module's time representation.
type Envelope struct {
	BatchID   string        `cbor:"batch_id"`
	CreatedAt string        `cbor:"created_at"`
	Events    []EventPacket `cbor:"events,omitempty"`
	Spans     []SpanPacket  `cbor:"spans,omitempty"`
}

// EventPacket is one event inside an envelope. Payload always carries
// the body bytes; file-backed payloads are read back in during
// serialization.
type EventPacket struct {
	ID                 string `cbor:"id"`
	Type               string `cbor:"type"`
	Timestamp          string `cbor:"timestamp"`
	SessionID          string `cbor:"session_id"`
	UserTriggered      bool   `cbor:"user_triggered,omitempty"`
	Payload            []byte `cbor:"payload"`
	Attributes         []byte `cbor:"attributes,omitempty"`
	UserAttributes     []byte `cbor:"user_attributes,omitempty"`
	AttachmentManifest []byte `cbor:"attachments,omitempty"`
}

// SpanPacket is one span inside an envelope.
type SpanPacket struct {
	SpanID         string `cbor:"span_id"`
	TraceID        string `cbor:"trace_id"`
	ParentID       string `cbor:"parent_id,omitempty"`
	Name           string `cbor:"name"`
	SessionID      string `cbor:"session_id"`
	StartTime      string `cbor:"start_time"`
	EndTime        string `cbor:"end_time"`
	DurationNanos  int64  `cbor:"duration"`
	Status         int64  `cbor:"status"`
	Attributes     []byte `cbor:"attributes,omitempty"`
	UserAttributes []byte `cbor:"user_attributes,omitempty"`
	Checkpoints    []byte `cbor:"checkpoints,omitempty"`
	Ended          bool   `cbor:"ended"`
}

// Shared zstd coders, safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("export: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("export: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeEnvelope serializes and compresses an envelope for transport.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("export: encoding envelope %s: %w", env.BatchID, err)
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

// DecodeEnvelope reverses EncodeEnvelope. Tests and diagnostic tools
// use it; production transport sends the compressed bytes opaquely.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	data, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("export: decompressing envelope: %w", err)
	}
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("export: decoding envelope: %w", err)
	}
	return &env, nil
}

func eventPacket(row store.EventPacket, payload []byte) EventPacket {
	return EventPacket{
		ID:                 row.ID,
		Type:               string(row.Type),
		Timestamp:          row.Timestamp.Format(time.RFC3339Nano),
		SessionID:          row.SessionID,
		UserTriggered:      row.UserTriggered,
		Payload:            payload,
		Attributes:         row.Attributes,
		UserAttributes:     row.UserAttributes,
		AttachmentManifest: row.AttachmentManifest,
	}
}

func spanPacket(row store.SpanPacket) SpanPacket {
	var duration int64
	if row.Ended && row.EndTime.After(row.StartTime) {
		duration = row.EndTime.Sub(row.StartTime).Nanoseconds()
	}
	return SpanPacket{
		SpanID:         row.SpanID,
		TraceID:        row.TraceID,
		ParentID:       row.ParentID,
		Name:           row.Name,
		SessionID:      row.SessionID,
		StartTime:      row.StartTime.Format(time.RFC3339Nano),
		EndTime:        row.EndTime.Format(time.RFC3339Nano),
		DurationNanos:  duration,
		Status:         int64(row.Status),
		Attributes:     row.Attributes,
		UserAttributes: row.UserAttributes,
		Checkpoints:    row.Checkpoints,
		Ended:          row.Ended,
	}
}
