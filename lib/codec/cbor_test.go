// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	ID    string `cbor:"id"`
	Count int64  `cbor:"count"`
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{ID: "sess-1", Count: 42}
	a, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("encoding is not deterministic: %x vs %x", a, b)
	}
}

func TestUnmarshalRejectsUnknownField(t *testing.T) {
	data, err := Marshal(map[string]any{"id": "x", "count": 1, "extra": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var v sample
	if err := Unmarshal(data, &v); err == nil {
		t.Error("Unmarshal accepted unknown field")
	}
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	want := sample{ID: "sess-2", Count: 7}
	if err := enc.Encode(want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got sample
	if err := NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}
