// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when a test calls Advance
// or Set. Timers and tickers created from it fire during Advance, in
// deadline order, with the fake time set to each deadline as it fires.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

// waiter is a pending timer or ticker deadline.
type waiter struct {
	deadline time.Time
	ch       chan time.Time
	// period is zero for one-shot timers and the tick interval for
	// tickers, which re-arm after firing.
	period  time.Duration
	stopped bool
}

// NewFake returns a FakeClock whose current time is initial.
func NewFake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives once Advance moves the clock
// past d from now.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &waiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// NewTicker returns a Ticker driven by Advance.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &waiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1), period: d}
	f.waiters = append(f.waiters, w)
	return &Ticker{C: w.ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.stopped = true
	}}
}

// Sleep returns immediately. Tests that need to observe the passage of
// time should use After and Advance instead.
func (f *FakeClock) Sleep(d time.Duration) {}

// Set moves the clock to t without firing any timers. Moving backwards
// is allowed.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d, firing every expired timer and
// ticker in deadline order. Ticker sends are non-blocking; a tick that
// finds its channel full is dropped, matching time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.now.Add(d)
	for {
		w := f.nextExpiredLocked(target)
		if w == nil {
			break
		}
		f.now = w.deadline
		select {
		case w.ch <- w.deadline:
		default:
		}
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			w.stopped = true
		}
	}
	f.now = target
	f.compactLocked()
}

// PendingCount reports the number of live timers and tickers, for tests
// that assert a component armed or disarmed its schedule.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// nextExpiredLocked returns the live waiter with the earliest deadline
// at or before target, or nil if none remain.
func (f *FakeClock) nextExpiredLocked(target time.Time) *waiter {
	var next *waiter
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) {
			next = w
		}
	}
	return next
}

func (f *FakeClock) compactLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	f.waiters = live
}
