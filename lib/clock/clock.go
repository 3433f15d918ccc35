// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance time explicitly.
//
// Grace-period eviction, token expiry, and heartbeat cadence all hang
// off a Clock, so every timing property in the control plane can be
// exercised deterministically without sleeping in tests.
package clock

import "time"

// Clock provides the time operations the control plane needs: reading
// the current time, firing a callback after a delay, and periodic
// ticks. Code that would call time.Now, time.AfterFunc, or
// time.NewTicker takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f after duration d elapses. The returned
	// Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks on the returned Ticker's channel at
	// the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) Ticker
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the pending call. Returns true if the call was
	// still pending, false if it already fired or was stopped.
	Stop() bool
}

// Ticker delivers periodic ticks.
type Ticker interface {
	// Chan returns the tick channel.
	Chan() <-chan time.Time

	// Stop turns the ticker off. The channel is not closed.
	Stop()
}
