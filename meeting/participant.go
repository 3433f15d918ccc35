// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meeting

import (
	"time"

	"github.com/bureau-foundation/conclave/binding"
	"github.com/bureau-foundation/conclave/wire"
)

// Participant is one member of a meeting's roster. The worker's loop
// goroutine is the only writer; Snapshot hands out copies.
type Participant struct {
	// ID is the participant id, unique within the meeting.
	ID string

	// CorrelationID is the opaque handle the transport layer uses
	// to address this participant's connection. Stable across
	// reconnects of the same session.
	CorrelationID string

	// DisplayName is the name shown to other participants.
	DisplayName string

	// IsHost grants host-only operations (host-mute).
	IsHost bool

	// Connected is false between a disconnect and either a
	// successful reconnect or grace-period eviction.
	Connected bool

	// DisconnectedSince is the disconnect timestamp. Zero while
	// connected.
	DisconnectedSince time.Time

	// SelfMuted is the participant's own informational mute. Never
	// gated; does not suppress media.
	SelfMuted bool

	// HostMuted is an enforced mute applied by a host.
	HostMuted bool

	// MutedBy is the host that applied the host-mute. Empty unless
	// HostMuted.
	MutedBy string
}

// participantState is the worker-internal record: the public
// Participant plus the outstanding binding token, the grace timer,
// and the connection worker.
type participantState struct {
	Participant

	// token is the one outstanding reconnection credential.
	// Replaced (rotated) on every successful reconnect.
	token binding.Token

	// graceTimer schedules eviction while disconnected. Nil while
	// connected.
	graceTimer stoppable

	// connection is the participant's connection worker. Nil while
	// disconnected.
	connection *connection
}

// stoppable lets tests observe timer cancellation without depending
// on a concrete clock.Timer.
type stoppable interface {
	Stop() bool
}

// info renders the roster entry for client broadcasts.
func (p *Participant) info() wire.ParticipantInfo {
	return wire.ParticipantInfo{
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		IsHost:        p.IsHost,
		Connected:     p.Connected,
		SelfMuted:     p.SelfMuted,
		HostMuted:     p.HostMuted,
		MutedBy:       p.MutedBy,
	}
}

// Snapshot is a consistent point-in-time copy of a meeting's state,
// produced inside the worker loop so it can never observe a
// half-applied mutation.
type Snapshot struct {
	MeetingID    string
	CreatedAt    time.Time
	Generation   uint64
	Participants []Participant
}

// Participant returns the snapshot entry for an id, or nil.
func (s *Snapshot) Participant(participantID string) *Participant {
	for index := range s.Participants {
		if s.Participants[index].ID == participantID {
			return &s.Participants[index]
		}
	}
	return nil
}
