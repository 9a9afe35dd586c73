// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import "errors"

// Payload is an event body that lives either inline or in a file,
// never both. The zero Payload is invalid; construct one with
// NewInlinePayload, NewFilePayload, or NewPayload.
type Payload struct {
	inline []byte
	path   string
}

// ErrPayloadExclusivity is returned when a payload is constructed with
// both or neither of the inline and file cases set. This is a
// programmer error at the call site, not a runtime condition.
var ErrPayloadExclusivity = errors.New("signal: payload must be exactly one of inline or file")

// NewInlinePayload returns a payload holding data directly.
func NewInlinePayload(data []byte) Payload {
	return Payload{inline: data}
}

// NewFilePayload returns a payload referencing a file written by the
// file store.
func NewFilePayload(path string) Payload {
	return Payload{path: path}
}

// NewPayload builds a payload from at most one of data and path,
// returning ErrPayloadExclusivity unless exactly one is set.
func NewPayload(data []byte, path string) (Payload, error) {
	hasInline := len(data) > 0
	hasFile := path != ""
	if hasInline == hasFile {
		return Payload{}, ErrPayloadExclusivity
	}
	if hasInline {
		return NewInlinePayload(data), nil
	}
	return NewFilePayload(path), nil
}

// Inline returns the inline bytes, with ok false for file payloads and
// the zero payload.
func (p Payload) Inline() ([]byte, bool) {
	return p.inline, len(p.inline) > 0
}

// File returns the payload file path, with ok false for inline payloads
// and the zero payload.
func (p Payload) File() (string, bool) {
	return p.path, p.path != ""
}

// IsZero reports whether neither case is set.
func (p Payload) IsZero() bool {
	return len(p.inline) == 0 && p.path == ""
}
