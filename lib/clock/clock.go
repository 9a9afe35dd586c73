// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the parts of package time that the SDK uses. The two
// implementations are Real, which delegates to package time, and
// FakeClock, which is advanced manually by tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// has elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that delivers ticks every d. The
	// caller must stop it when done.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks for d.
	Sleep(d time.Duration)
}

// Ticker mirrors time.Ticker for both real and fake clocks.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() {
	t.stop()
}
