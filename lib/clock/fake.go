// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// fire synchronously inside Advance, in deadline order, with the
// clock already set to the callback's deadline. A callback must not
// call Advance itself.
//
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*fakeEntry
}

// fakeEntry is one scheduled timer or ticker firing.
type fakeEntry struct {
	deadline time.Time
	callback func()       // AfterFunc entries
	channel  chan<- time.Time // ticker entries
	interval time.Duration    // non-zero reschedules after firing
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives during the Advance call that
// crosses the deadline. If d <= 0, it receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.pending = append(c.pending, &fakeEntry{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// AfterFunc schedules f at the current time plus d. If d <= 0, f runs
// synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return &fakeTimer{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &fakeEntry{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.pending = append(c.pending, entry)
	return &fakeTimer{clock: c, entry: entry}
}

// NewTicker registers a periodic entry. Ticks are delivered during
// Advance; if the consumer is not draining the channel, ticks are
// dropped (the channel has capacity 1, matching time.Ticker).
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	entry := &fakeEntry{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.pending = append(c.pending, entry)
	return &fakeTicker{clock: c, entry: entry, channel: channel}
}

// Advance moves the clock forward by d, firing every pending entry
// whose deadline falls within the window, in deadline order. Tickers
// fire repeatedly if the window spans multiple intervals.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		entry := c.nextDueLocked(target)
		if entry == nil {
			break
		}

		c.current = entry.deadline
		switch {
		case entry.callback != nil:
			// Release the lock while the callback runs: callbacks
			// routinely schedule new timers or read Now.
			callback := entry.callback
			c.mu.Unlock()
			callback()
			c.mu.Lock()
		case entry.channel != nil:
			select {
			case entry.channel <- entry.deadline:
			default:
			}
		}

		if entry.interval > 0 && !entry.stopped {
			entry.deadline = entry.deadline.Add(entry.interval)
		} else {
			entry.stopped = true
		}
	}

	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// nextDueLocked returns the unstopped entry with the earliest deadline
// at or before target, or nil.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeEntry {
	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
	for _, entry := range c.pending {
		if entry.stopped {
			continue
		}
		if entry.deadline.After(target) {
			return nil
		}
		return entry
	}
	return nil
}

// compactLocked drops stopped entries.
func (c *FakeClock) compactLocked() {
	live := c.pending[:0]
	for _, entry := range c.pending {
		if !entry.stopped {
			live = append(live, entry)
		}
	}
	c.pending = live
}

type fakeTimer struct {
	clock *FakeClock
	entry *fakeEntry
}

func (t *fakeTimer) Stop() bool {
	if t.clock == nil {
		// Fired synchronously at creation (d <= 0).
		return false
	}
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.entry.stopped
	t.entry.stopped = true
	return wasPending
}

type fakeTicker struct {
	clock   *FakeClock
	entry   *fakeEntry
	channel chan time.Time
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.channel }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.entry.stopped = true
}
