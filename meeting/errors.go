// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meeting

import "errors"

// Errors returned by Worker operations. ErrPermissionDenied and the
// binding package's ErrReconnectRejected are deliberately vague: a
// rejected host-mute looks identical whether the actor was unknown or
// simply not a host, and a rejected reconnect looks identical whether
// the token was malformed, expired, or forged. The precise cause goes
// to the log, never to the caller.
var (
	// ErrAlreadyJoined rejects a join for a participant id that is
	// already present and connected.
	ErrAlreadyJoined = errors.New("meeting: participant already joined")

	// ErrUnknownParticipant rejects an operation naming a
	// participant that is not in the roster.
	ErrUnknownParticipant = errors.New("meeting: unknown participant")

	// ErrPermissionDenied rejects a host-only operation. Carries no
	// detail about which check failed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrShuttingDown rejects operations posted to a worker that
	// has begun shutdown.
	ErrShuttingDown = errors.New("meeting: worker shutting down")

	// ErrStateNotAuthoritative rejects a mutation whose durable
	// write was fenced out: another instance owns the meeting now
	// and this worker's local state must not be trusted.
	ErrStateNotAuthoritative = errors.New("meeting: local state superseded")
)
