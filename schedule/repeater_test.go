// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/tracelet/tracelet/lib/clock"
	"github.com/tracelet/tracelet/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// waitForTicker blocks until the loop goroutine has registered its
// ticker with the fake clock, so an Advance cannot race past it.
func waitForTicker(t *testing.T, fake *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for fake.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never registered with clock")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTickRepeater(fake *clock.FakeClock) (*Repeater, chan struct{}) {
	ticks := make(chan struct{}, 16)
	r := NewRepeater("test", time.Minute, fake, nil, func(context.Context) {
		ticks <- struct{}{}
	})
	return r, ticks
}

func TestRepeaterRunsOnEachTick(t *testing.T) {
	fake := clock.NewFake(epoch)
	r, ticks := newTickRepeater(fake)

	r.Start(context.Background())
	defer r.Stop()
	waitForTicker(t, fake)

	fake.Advance(time.Minute)
	testutil.RequireReceive(t, ticks, 5*time.Second, "first tick")
	fake.Advance(time.Minute)
	testutil.RequireReceive(t, ticks, 5*time.Second, "second tick")
	testutil.RequireNoReceive(t, ticks, 20*time.Millisecond, "extra tick")
}

func TestRepeaterStopHaltsTicks(t *testing.T) {
	fake := clock.NewFake(epoch)
	r, ticks := newTickRepeater(fake)

	r.Start(context.Background())
	waitForTicker(t, fake)
	fake.Advance(time.Minute)
	testutil.RequireReceive(t, ticks, 5*time.Second, "tick before Stop")

	r.Stop()
	fake.Advance(10 * time.Minute)
	testutil.RequireNoReceive(t, ticks, 20*time.Millisecond, "tick after Stop")
}

func TestRepeaterStopIsIdempotent(t *testing.T) {
	fake := clock.NewFake(epoch)
	r := NewRepeater("test", time.Minute, fake, nil, func(context.Context) {})
	r.Start(context.Background())
	waitForTicker(t, fake)
	r.Stop()
	r.Stop()
}

func TestRepeaterStartIsIdempotent(t *testing.T) {
	fake := clock.NewFake(epoch)
	r, ticks := newTickRepeater(fake)

	r.Start(context.Background())
	waitForTicker(t, fake)
	r.Start(context.Background())

	// A second Start must not add a second loop: one interval, one
	// tick.
	fake.Advance(time.Minute)
	testutil.RequireReceive(t, ticks, 5*time.Second, "tick")
	testutil.RequireNoReceive(t, ticks, 20*time.Millisecond, "duplicate tick")
	r.Stop()
}

func TestRepeaterContextCancelStopsLoop(t *testing.T) {
	fake := clock.NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	r, ticks := newTickRepeater(fake)
	r.Start(ctx)
	waitForTicker(t, fake)

	cancel()
	time.Sleep(10 * time.Millisecond)
	fake.Advance(time.Minute)
	testutil.RequireNoReceive(t, ticks, 20*time.Millisecond, "tick after cancel")
	r.Stop()
}
