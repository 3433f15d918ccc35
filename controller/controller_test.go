// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/conclave/fence"
	"github.com/bureau-foundation/conclave/fence/fencetest"
	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/codec"
	"github.com/bureau-foundation/conclave/lib/secret"
	"github.com/bureau-foundation/conclave/wire"
)

var controllerEpoch = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMasterSecret(t *testing.T) *secret.Buffer {
	t.Helper()
	master, err := secret.NewFromBytes([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { master.Close() })
	return master
}

// sinkDeliverer records update payloads per correlation id, decoded.
type sinkDeliverer struct {
	mu         sync.Mutex
	deliveries map[string][]wire.Update
}

func newSinkDeliverer() *sinkDeliverer {
	return &sinkDeliverer{deliveries: make(map[string][]wire.Update)}
}

func (d *sinkDeliverer) Deliver(_ context.Context, correlationID string, payload []byte) error {
	var update wire.Update
	if err := codec.Unmarshal(payload, &update); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries[correlationID] = append(d.deliveries[correlationID], update)
	return nil
}

// waitForRoster polls until the newest roster update delivered to
// correlationID has exactly size entries, then returns it.
func (d *sinkDeliverer) waitForRoster(t *testing.T, correlationID string, size int) []wire.ParticipantInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		var roster []wire.ParticipantInfo
		found := false
		for _, update := range d.deliveries[correlationID] {
			if update.Kind == wire.UpdateKindRoster {
				roster = update.Roster
				found = true
			}
		}
		d.mu.Unlock()
		if found && len(roster) == size {
			return roster
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %d-entry roster update delivered to %s (latest: %+v)", size, correlationID, roster)
		}
		time.Sleep(time.Millisecond)
	}
}

type testHarness struct {
	controller *Controller
	deliverer  *sinkDeliverer
	clock      *clock.FakeClock
	kv         *fencetest.MemoryKV
}

func startTestController(t *testing.T) *testHarness {
	t.Helper()
	kv := fencetest.NewMemoryKV()
	return startTestControllerWithKV(t, kv, "inst-a")
}

func startTestControllerWithKV(t *testing.T, kv *fencetest.MemoryKV, instanceID string) *testHarness {
	t.Helper()
	fake := clock.Fake(controllerEpoch)
	deliverer := newSinkDeliverer()

	ctrl, err := New(Config{
		InstanceID: instanceID,
		Master:     testMasterSecret(t),
		Store:      fence.NewClient(kv, instanceID),
		Clock:      fake,
		Logger:     testLogger(),
		Deliverer:  deliverer,
		Capacity:   8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctrl.Start(context.Background())
	t.Cleanup(ctrl.Shutdown)

	return &testHarness{controller: ctrl, deliverer: deliverer, clock: fake, kv: kv}
}

func TestCreateMeeting(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	generation, err := harness.controller.CreateMeeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if generation != 1 {
		t.Errorf("first ownership generation = %d, want 1", generation)
	}
	if got := harness.controller.Counters().Meetings(); got != 1 {
		t.Errorf("meeting gauge = %d, want 1", got)
	}

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); !errors.Is(err, ErrMeetingExists) {
		t.Errorf("duplicate create error = %v, want ErrMeetingExists", err)
	}
}

func TestCreateMeetingRejectsInvalidID(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	for _, id := range []string{"", "has space", "slash/id", "dot.dot", string(make([]byte, 65))} {
		if _, err := harness.controller.CreateMeeting(ctx, id); !errors.Is(err, ErrInvalidMeetingID) {
			t.Errorf("CreateMeeting(%q) error = %v, want ErrInvalidMeetingID", id, err)
		}
	}
}

func TestTakeoverBumpsGeneration(t *testing.T) {
	kv := fencetest.NewMemoryKV()
	first := startTestControllerWithKV(t, kv, "inst-a")
	second := startTestControllerWithKV(t, kv, "inst-b")
	ctx := context.Background()

	generationA, err := first.controller.CreateMeeting(ctx, "mtg-contested")
	if err != nil {
		t.Fatalf("first CreateMeeting: %v", err)
	}
	generationB, err := second.controller.CreateMeeting(ctx, "mtg-contested")
	if err != nil {
		t.Fatalf("second CreateMeeting: %v", err)
	}
	if generationB != generationA+1 {
		t.Errorf("takeover generation = %d, want %d", generationB, generationA+1)
	}
}

func TestRemoveMeeting(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if err := harness.controller.RemoveMeeting(ctx, "mtg-1"); err != nil {
		t.Fatalf("RemoveMeeting: %v", err)
	}

	// The map entry is gone immediately, without waiting for the
	// worker teardown.
	if _, err := harness.controller.GetMeeting(ctx, "mtg-1"); !errors.Is(err, ErrMeetingNotFound) {
		t.Errorf("GetMeeting after remove error = %v, want ErrMeetingNotFound", err)
	}
	if got := harness.controller.Counters().Meetings(); got != 0 {
		t.Errorf("meeting gauge = %d, want 0", got)
	}

	if err := harness.controller.RemoveMeeting(ctx, "mtg-unknown"); !errors.Is(err, ErrMeetingNotFound) {
		t.Errorf("RemoveMeeting unknown error = %v, want ErrMeetingNotFound", err)
	}
}

func TestGetMeetingReportsLiveState(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	generation, err := harness.controller.CreateMeeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	worker, err := harness.controller.Meeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	if _, err := worker.Join(ctx, "corr-p1", "p1", true, "Alice"); err != nil {
		t.Fatalf("Join p1: %v", err)
	}
	if _, err := worker.Join(ctx, "corr-p2", "p2", false, "Bob"); err != nil {
		t.Fatalf("Join p2: %v", err)
	}

	info, err := harness.controller.GetMeeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if info.ParticipantCount != 2 {
		t.Errorf("ParticipantCount = %d, want 2", info.ParticipantCount)
	}
	if info.Generation != generation {
		t.Errorf("Generation = %d, want %d", info.Generation, generation)
	}
	if info.Degraded {
		t.Error("Degraded set on a healthy meeting")
	}
	if got := harness.controller.Counters().Participants(); got != 2 {
		t.Errorf("participant gauge = %d, want 2", got)
	}
}

func TestGetMeetingDegradesWhenWorkerUnreachable(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	worker, err := harness.controller.Meeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}

	// Kill the worker behind the controller's back. The exit
	// monitor will reap it eventually; the status query racing that
	// reap must degrade, not fail.
	worker.Shutdown()
	<-worker.Done()

	info, err := harness.controller.GetMeeting(ctx, "mtg-1")
	if err != nil {
		if !errors.Is(err, ErrMeetingNotFound) {
			t.Fatalf("GetMeeting error = %v, want degraded info or ErrMeetingNotFound", err)
		}
		return
	}
	if info.ParticipantCount != 0 {
		t.Errorf("degraded ParticipantCount = %d, want 0", info.ParticipantCount)
	}
	if !info.Degraded {
		t.Error("Degraded not set for an unreachable worker")
	}
}

func TestUnexpectedWorkerExitIsReaped(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	worker, err := harness.controller.Meeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	worker.Shutdown()
	<-worker.Done()

	// The controller reaps asynchronously; the gauge and the map
	// both converge to the meeting being gone.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := harness.controller.GetMeeting(ctx, "mtg-1"); errors.Is(err, ErrMeetingNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("controller never reaped the exited worker")
		}
		time.Sleep(time.Millisecond)
	}
	if got := harness.controller.Counters().Meetings(); got != 0 {
		t.Errorf("meeting gauge after reap = %d, want 0", got)
	}

	// The id is reusable afterward.
	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); err != nil {
		t.Errorf("CreateMeeting after reap: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	master := testMasterSecret(t)
	store := fence.NewClient(fencetest.NewMemoryKV(), "inst-a")
	base := Config{
		InstanceID: "inst-a",
		Master:     master,
		Store:      store,
		Clock:      clock.Fake(controllerEpoch),
		Logger:     testLogger(),
		Deliverer:  newSinkDeliverer(),
		Capacity:   4,
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing instance id", func(c *Config) { c.InstanceID = "" }},
		{"nil master", func(c *Config) { c.Master = nil }},
		{"zero capacity", func(c *Config) { c.Capacity = 0 }},
		{"negative capacity", func(c *Config) { c.Capacity = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := base
			tc.mutate(&config)
			if _, err := New(config); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}

func TestRemoveMeetingClearsParticipantGauge(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	worker, err := harness.controller.Meeting(ctx, "mtg-1")
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	if _, err := worker.Join(ctx, "corr-p1", "p1", true, "Alice"); err != nil {
		t.Fatalf("Join p1: %v", err)
	}
	if _, err := worker.Join(ctx, "corr-p2", "p2", false, "Bob"); err != nil {
		t.Fatalf("Join p2: %v", err)
	}
	if got := harness.controller.Counters().Participants(); got != 2 {
		t.Fatalf("participant gauge = %d, want 2", got)
	}

	if err := harness.controller.RemoveMeeting(ctx, "mtg-1"); err != nil {
		t.Fatalf("RemoveMeeting: %v", err)
	}
	<-worker.Done()

	// Teardown reports the remaining participants off the gauge;
	// heartbeats must not keep counting members of a dead meeting.
	deadline := time.Now().Add(2 * time.Second)
	for harness.controller.Counters().Participants() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("participant gauge = %d after the meeting was removed, want 0",
				harness.controller.Counters().Participants())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShutdownRejectsOperations(t *testing.T) {
	harness := startTestController(t)
	ctx := context.Background()

	harness.controller.Shutdown()
	<-harness.controller.Done()

	if _, err := harness.controller.CreateMeeting(ctx, "mtg-1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("CreateMeeting after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if err := harness.controller.RemoveMeeting(ctx, "mtg-1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("RemoveMeeting after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if _, err := harness.controller.GetMeeting(ctx, "mtg-1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("GetMeeting after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if _, err := harness.controller.Meeting(ctx, "mtg-1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Meeting after shutdown: err = %v, want ErrShuttingDown", err)
	}
}
