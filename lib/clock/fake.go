// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock that reads start until advanced.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a manually driven Clock. Time only moves when Advance
// is called; pending After channels, sleeps and tickers whose deadline
// has been reached fire during that call, in deadline order.
//
// Safe for concurrent use.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*pendingTimer
	registered *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	channel  chan time.Time
	period   time.Duration // zero for one-shot timers
	stopped  bool
}

// Now returns the fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot timer.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&pendingTimer{deadline: f.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a periodic timer.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires a positive interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	timer := &pendingTimer{
		deadline: f.now.Add(d),
		channel:  make(chan time.Time, 1),
		period:   d,
	}
	f.addLocked(timer)

	return &Ticker{
		C: timer.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.stopped = true
		},
	}
}

// Sleep blocks until the clock has been advanced by at least d.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d. A ticker whose period fits
// several times into d is fired once per period; ticks that do not
// fit in its channel buffer are dropped, as with time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			select {
			case timer.channel <- target:
			default:
			}
		}
	}
}

// takeDue removes the timers due at or before target, reschedules
// periodic ones, and returns everything that must fire now.
func (f *FakeClock) takeDue(target time.Time) []*pendingTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, keep []*pendingTimer
	for _, timer := range f.pending {
		switch {
		case timer.stopped:
		case timer.deadline.After(target):
			keep = append(keep, timer)
		default:
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, timer := range due {
		if timer.period > 0 {
			timer.deadline = timer.deadline.Add(timer.period)
			keep = append(keep, timer)
		}
	}
	f.pending = keep
	return due
}

// WaitForTimers blocks until at least n timers are registered and not
// stopped.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.registered.Wait()
	}
}

// PendingCount reports how many registered timers have not been
// stopped or fired.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) addLocked(timer *pendingTimer) {
	f.pending = append(f.pending, timer)
	f.registered.Broadcast()
}

func (f *FakeClock) activeLocked() int {
	active := 0
	for _, timer := range f.pending {
		if !timer.stopped {
			active++
		}
	}
	return active
}
