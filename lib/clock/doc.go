// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so components that
// schedule work (session rotation, periodic flush, cleanup sweeps) can
// be driven deterministically in tests.
//
// Production code takes a Clock and is handed Real(). Tests construct a
// FakeClock and call Advance to fire timers without sleeping.
package clock
