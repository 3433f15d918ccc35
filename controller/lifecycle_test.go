// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/conclave/meeting"
)

// TestMeetingLifecycle walks one meeting end to end: assignment,
// host and guest joining, host mute in both directions, a drop and
// reconnect inside the grace window, and a final drop that runs the
// window out.
func TestMeetingLifecycle(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-allhands"); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	worker, err := harness.controller.Meeting(ctx, "mtg-allhands")
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}

	if _, err := worker.Join(ctx, "corr-host", "host", true, "Priya"); err != nil {
		t.Fatalf("host join: %v", err)
	}
	guestToken, err := worker.Join(ctx, "corr-guest", "guest", false, "Sam")
	if err != nil {
		t.Fatalf("guest join: %v", err)
	}

	// Host mutes the guest, then unmutes.
	if err := worker.HostMute(ctx, "host", "guest", true); err != nil {
		t.Fatalf("host mute: %v", err)
	}
	snapshot, err := worker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	guest := snapshot.Participant("guest")
	if guest == nil || !guest.HostMuted || guest.MutedBy != "host" {
		t.Fatalf("guest not host-muted: %+v", guest)
	}

	// The guest cannot mute the host back.
	if err := worker.HostMute(ctx, "guest", "host", true); !errors.Is(err, meeting.ErrPermissionDenied) {
		t.Fatalf("guest host-mute error = %v, want ErrPermissionDenied", err)
	}

	if err := worker.HostMute(ctx, "host", "guest", false); err != nil {
		t.Fatalf("host unmute: %v", err)
	}

	// Guest drops and comes back 10 seconds later with the binding
	// token, presenting the session's correlation id over the new
	// connection. Connected status is restored and the binding
	// rotates.
	if err := worker.ConnectionDisconnected(ctx, "corr-guest", "guest"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	harness.clock.Advance(10 * time.Second)

	rotated, err := worker.Reconnect(ctx, "corr-guest", "guest",
		guestToken.Value, guestToken.Nonce, guestToken.IssuedAt)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if rotated.Value == guestToken.Value {
		t.Fatal("binding token did not rotate on reconnect")
	}

	snapshot, err = worker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	guest = snapshot.Participant("guest")
	if guest == nil || !guest.Connected {
		t.Fatalf("guest not restored after reconnect: %+v", guest)
	}

	// Second drop, and this time nobody comes back. Past the grace
	// window only the host remains.
	if err := worker.ConnectionDisconnected(ctx, "corr-guest", "guest"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	harness.clock.Advance(31 * time.Second)

	snapshot, err = worker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Participants) != 1 || snapshot.Participants[0].ID != "host" {
		t.Fatalf("roster after eviction = %+v, want only host", snapshot.Participants)
	}

	// The host saw the guest leave.
	roster := harness.deliverer.waitForRoster(t, "corr-host", 1)
	if roster[0].ParticipantID != "host" {
		t.Fatalf("final broadcast roster = %+v, want only host", roster)
	}

	info, err := harness.controller.GetMeeting(ctx, "mtg-allhands")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if info.ParticipantCount != 1 {
		t.Errorf("ParticipantCount = %d, want 1", info.ParticipantCount)
	}
	if got := harness.controller.Counters().Participants(); got != 1 {
		t.Errorf("participant gauge = %d, want 1", got)
	}

	if err := harness.controller.RemoveMeeting(ctx, "mtg-allhands"); err != nil {
		t.Fatalf("RemoveMeeting: %v", err)
	}
}
