// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for everything the SDK
// persists or puts on the wire: signal payloads, the recent-session
// descriptor, and batch export envelopes.
//
// Encoding uses CBOR Core Deterministic Encoding so the same value
// always produces the same bytes, which keeps payload hashes and test
// fixtures stable. Decoding rejects unknown fields so schema drift is
// caught at the boundary instead of surfacing as zero values later.
package codec
