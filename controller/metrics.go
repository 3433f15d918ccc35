// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import "sync/atomic"

// Counters are the controller's live gauges, written by worker
// lifecycle events and read by the heartbeat loop. They exist so
// heartbeats never have to query meeting workers; the authoritative
// per-meeting count still comes from Worker.Snapshot.
type Counters struct {
	meetings     atomic.Int64
	participants atomic.Int64
}

// MeetingStarted records a new active meeting.
func (c *Counters) MeetingStarted() { c.meetings.Add(1) }

// MeetingEnded records a meeting teardown.
func (c *Counters) MeetingEnded() { c.meetings.Add(-1) }

// AddParticipants adjusts the active participant gauge. Meeting
// workers call this with +1/-1 on joins and removals.
func (c *Counters) AddParticipants(delta int64) { c.participants.Add(delta) }

// Meetings returns the active meeting count.
func (c *Counters) Meetings() int64 { return c.meetings.Load() }

// Participants returns the active participant count.
func (c *Counters) Participants() int64 { return c.participants.Load() }
