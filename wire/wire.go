// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the CBOR payloads crossing conclave's external
// surfaces: signaling updates pushed to clients, inbound client
// signaling, and the orchestration register/heartbeat/assignment RPC
// bodies. Field numbers are stable; add fields, never renumber.
package wire

// Update kinds for client-bound state change notifications.
const (
	// UpdateKindRoster announces a membership change. Carries the
	// full roster so clients need no delta reconciliation.
	UpdateKindRoster = "roster"

	// UpdateKindMute announces a mute state change for one
	// participant.
	UpdateKindMute = "mute"
)

// Signal kinds for inbound client signaling relayed by connection
// workers.
const (
	// SignalKindSelfMute toggles the sender's informational mute.
	// Payload: CBOR bool.
	SignalKindSelfMute = "self-mute"

	// SignalKindLeave is an explicit leave. No payload.
	SignalKindLeave = "leave"
)

// Assignment rejection reasons. AT_CAPACITY and DRAINING are the only
// errors in the system reported with a specific cause: the
// orchestration service needs them for load balancing.
const (
	ReasonAtCapacity = "AT_CAPACITY"
	ReasonDraining   = "DRAINING"
	ReasonConflict   = "CONFLICT"
)

// ParticipantInfo is one roster entry as seen by clients.
type ParticipantInfo struct {
	ParticipantID string `cbor:"1,keyasint"`
	DisplayName   string `cbor:"2,keyasint"`
	IsHost        bool   `cbor:"3,keyasint,omitempty"`
	Connected     bool   `cbor:"4,keyasint"`
	SelfMuted     bool   `cbor:"5,keyasint,omitempty"`
	HostMuted     bool   `cbor:"6,keyasint,omitempty"`

	// MutedBy is the participant id of the host that applied the
	// host-mute. Empty unless HostMuted.
	MutedBy string `cbor:"7,keyasint,omitempty"`
}

// Update is a state change notification broadcast to every connected
// participant of a meeting. Exactly one of Roster or Mute is set,
// selected by Kind.
type Update struct {
	Kind      string `cbor:"1,keyasint"`
	MeetingID string `cbor:"2,keyasint"`

	Roster []ParticipantInfo `cbor:"3,keyasint,omitempty"`
	Mute   *MuteChange       `cbor:"4,keyasint,omitempty"`
}

// MuteChange is the payload of an UpdateKindMute notification.
type MuteChange struct {
	ParticipantID string `cbor:"1,keyasint"`
	SelfMuted     bool   `cbor:"2,keyasint,omitempty"`
	HostMuted     bool   `cbor:"3,keyasint,omitempty"`
	MutedBy       string `cbor:"4,keyasint,omitempty"`
}

// Signal is an inbound signaling message relayed from a client
// connection up to its meeting worker. The payload is opaque to the
// control plane; only the kind is inspected for routing.
type Signal struct {
	Kind          string `cbor:"1,keyasint"`
	CorrelationID string `cbor:"2,keyasint"`
	Payload       []byte `cbor:"3,keyasint,omitempty"`
}

// RegisterRequest announces this instance to the orchestration
// service.
type RegisterRequest struct {
	InstanceID string `cbor:"1,keyasint"`
	Region     string `cbor:"2,keyasint"`
	Endpoint   string `cbor:"3,keyasint"`
	Capacity   int    `cbor:"4,keyasint"`

	// SessionID is freshly generated at process start. The same
	// instance id re-registering with a new session id means a
	// restart, not a duplicate instance.
	SessionID string `cbor:"5,keyasint"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

// HeartbeatRequest is the frequent lightweight liveness report.
type HeartbeatRequest struct {
	InstanceID       string `cbor:"1,keyasint"`
	MeetingCount     int64  `cbor:"2,keyasint"`
	ParticipantCount int64  `cbor:"3,keyasint"`
	Healthy          bool   `cbor:"4,keyasint"`
}

// DeepHeartbeatRequest is the less frequent comprehensive report,
// adding resource utilization to the lightweight fields.
type DeepHeartbeatRequest struct {
	HeartbeatRequest

	MemoryBytes uint64 `cbor:"5,keyasint"`
	Goroutines  int    `cbor:"6,keyasint"`
}

// HeartbeatResponse acknowledges a heartbeat. NotFound set means the
// orchestration service no longer knows this instance (it restarted
// and lost its registry); the instance must re-register once and
// resume heartbeating.
type HeartbeatResponse struct {
	OK       bool `cbor:"1,keyasint"`
	NotFound bool `cbor:"2,keyasint,omitempty"`
}

// AssignRequest asks this instance to host a meeting.
type AssignRequest struct {
	MeetingID string `cbor:"1,keyasint"`

	// TransportHandlers names the media handler set the transport
	// layer should attach for this meeting. Opaque to the control
	// plane.
	TransportHandlers []string `cbor:"2,keyasint,omitempty"`
}

// AssignResponse reports whether the assignment was accepted. On
// rejection, Reason is one of the Reason constants.
type AssignResponse struct {
	Accepted   bool   `cbor:"1,keyasint"`
	Reason     string `cbor:"2,keyasint,omitempty"`
	Generation uint64 `cbor:"3,keyasint,omitempty"`
}
