// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller implements the per-instance controller worker:
// the singleton that owns the root cancellation signal, the master
// secret, and the fenced store client, and supervises one meeting
// worker per assigned meeting.
//
// Like the meeting worker, the controller is an actor: meeting map
// mutation happens only in its loop goroutine. The orchestration
// integration loop (registration, heartbeats, assignment handling)
// lives alongside it in this package but runs as ordinary goroutines
// — it is a peer of the controller, not a supervised child.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/conclave/binding"
	"github.com/bureau-foundation/conclave/fence"
	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/secret"
	"github.com/bureau-foundation/conclave/meeting"
	"github.com/bureau-foundation/conclave/telemetry"
	"github.com/bureau-foundation/conclave/transport"
)

// Errors returned by controller operations.
var (
	// ErrMeetingExists rejects creating a meeting id that is
	// already active on this instance.
	ErrMeetingExists = errors.New("controller: meeting already exists")

	// ErrMeetingNotFound rejects operations on an unknown meeting.
	ErrMeetingNotFound = errors.New("controller: meeting not found")

	// ErrInvalidMeetingID rejects meeting ids outside the safe
	// character set (they become fenced-store keys and NATS subject
	// tokens).
	ErrInvalidMeetingID = errors.New("controller: invalid meeting id")

	// ErrShuttingDown rejects operations posted after the
	// controller loop has stopped.
	ErrShuttingDown = errors.New("controller: shutting down")
)

// meetingIDPattern is the allowed shape of a meeting id.
var meetingIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// snapshotTimeout bounds how long a status query waits for a meeting
// worker before falling back to a degraded answer.
const snapshotTimeout = 2 * time.Second

// Config assembles a controller.
type Config struct {
	// InstanceID identifies this control-plane instance to the
	// orchestration service and the fenced store.
	InstanceID string

	// Master is the process-lifetime master secret. The controller
	// derives one key per meeting from it and nothing else ever
	// touches it.
	Master *secret.Buffer

	// Store is the fenced store client, shared by all meeting
	// workers on this instance.
	Store *fence.Client

	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Deliverer transport.Deliverer

	// Subscriber is optional inbound signaling wiring, passed
	// through to meeting workers.
	Subscriber transport.Subscriber

	// Capacity is the maximum number of concurrently hosted
	// meetings, enforced at assignment time.
	Capacity int
}

// MeetingInfo is the status answer for one meeting.
type MeetingInfo struct {
	MeetingID        string
	CreatedAt        time.Time
	Generation       uint64
	ParticipantCount int

	// Degraded is set when the meeting worker could not be queried
	// and ParticipantCount is the conservative fallback of zero.
	Degraded bool
}

// Controller supervises the meeting workers of one instance.
type Controller struct {
	config   Config
	logger   *slog.Logger
	counters Counters

	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}
	draining atomic.Bool

	// Loop-owned. Never touched outside run().
	meetings map[string]*meeting.Worker
}

type command interface{}

type createCommand struct {
	meetingID string
	reply     chan createReply
}

type createReply struct {
	generation uint64
	err        error
}

type removeCommand struct {
	meetingID string
	reply     chan error
}

type infoCommand struct {
	meetingID string
	reply     chan infoReply
}

type lookupCommand struct {
	meetingID string
	reply     chan lookupReply
}

type lookupReply struct {
	worker *meeting.Worker
	err    error
}

type infoReply struct {
	info MeetingInfo
	err  error
}

type exitedCommand struct {
	meetingID string
	worker    *meeting.Worker
}

// New validates the config and builds a controller. Start launches
// it.
func New(config Config) (*Controller, error) {
	if config.InstanceID == "" {
		return nil, fmt.Errorf("controller: instance id is required")
	}
	if config.Master == nil {
		return nil, fmt.Errorf("controller: master secret is required")
	}
	if config.Master.Len() < binding.MinMasterSecretSize {
		return nil, fmt.Errorf("controller: master secret is %d bytes, need at least %d", config.Master.Len(), binding.MinMasterSecretSize)
	}
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("controller: capacity must be positive, got %d", config.Capacity)
	}

	return &Controller{
		config:   config,
		logger:   config.Logger.With("instance_id", config.InstanceID),
		commands: make(chan command, 64),
		done:     make(chan struct{}),
		meetings: make(map[string]*meeting.Worker),
	}, nil
}

// Start launches the controller loop. The root cancellation signal
// for the whole worker tree is derived from parent here; cancelling
// parent (or calling Shutdown) tears down every meeting and
// connection worker.
func (c *Controller) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	go c.run(ctx)
}

// Done is closed when the controller loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Shutdown cancels the root signal. Meeting workers drain on their
// own bounded timeouts; callers that need the exit use Done.
func (c *Controller) Shutdown() { c.cancel() }

// Counters exposes the live gauges for the heartbeat loop.
func (c *Controller) Counters() *Counters { return &c.counters }

// SetDraining marks the instance as refusing new assignments. Live
// meetings keep running until removed or shut down.
func (c *Controller) SetDraining(draining bool) { c.draining.Store(draining) }

// Draining reports whether new assignments are being refused.
func (c *Controller) Draining() bool { return c.draining.Load() }

// CreateMeeting takes ownership of a meeting: bumps its fencing
// generation, derives its signing key (once — the only derived copy),
// and spawns its worker. Returns the acquired generation.
func (c *Controller) CreateMeeting(ctx context.Context, meetingID string) (uint64, error) {
	if !meetingIDPattern.MatchString(meetingID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMeetingID, meetingID)
	}
	reply := make(chan createReply, 1)
	if err := c.post(ctx, createCommand{meetingID: meetingID, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case result := <-reply:
		return result.generation, result.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrShuttingDown
	}
}

// RemoveMeeting drops the meeting from the active map immediately —
// a subsequent GetMeeting sees NotFound — and tears the worker down
// in the background. The caller never waits for child workers to
// exit.
func (c *Controller) RemoveMeeting(ctx context.Context, meetingID string) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, removeCommand{meetingID: meetingID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrShuttingDown
	}
}

// GetMeeting reports a meeting's live participant count and fencing
// generation. When the worker cannot answer (mid-shutdown), the
// answer degrades to a participant count of zero with a warning log
// instead of an error: status queries must not fail just because a
// worker is going away.
func (c *Controller) GetMeeting(ctx context.Context, meetingID string) (MeetingInfo, error) {
	reply := make(chan infoReply, 1)
	if err := c.post(ctx, infoCommand{meetingID: meetingID, reply: reply}); err != nil {
		return MeetingInfo{}, err
	}
	select {
	case result := <-reply:
		return result.info, result.err
	case <-ctx.Done():
		return MeetingInfo{}, ctx.Err()
	case <-c.done:
		return MeetingInfo{}, ErrShuttingDown
	}
}

// Meeting resolves a live meeting worker for routing participant
// operations. The worker stays valid until removed; callers see the
// worker's own shutdown errors if they race a removal.
func (c *Controller) Meeting(ctx context.Context, meetingID string) (*meeting.Worker, error) {
	reply := make(chan lookupReply, 1)
	if err := c.post(ctx, lookupCommand{meetingID: meetingID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case result := <-reply:
		return result.worker, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrShuttingDown
	}
}

func (c *Controller) post(ctx context.Context, cmd command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("controller panicked", "panic", recovered)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			switch typed := cmd.(type) {
			case createCommand:
				typed.reply <- c.handleCreate(ctx, typed.meetingID)
			case removeCommand:
				typed.reply <- c.handleRemove(typed.meetingID)
			case infoCommand:
				typed.reply <- c.handleInfo(ctx, typed.meetingID)
			case lookupCommand:
				typed.reply <- c.handleLookup(typed.meetingID)
			case exitedCommand:
				c.handleExited(typed)
			}
		}
	}
}

func (c *Controller) handleCreate(ctx context.Context, meetingID string) createReply {
	if _, exists := c.meetings[meetingID]; exists {
		return createReply{err: fmt.Errorf("%w: %s", ErrMeetingExists, meetingID)}
	}

	generation, err := c.config.Store.AcquireGeneration(ctx, meetingID)
	if err != nil {
		return createReply{err: fmt.Errorf("taking ownership of %s: %w", meetingID, err)}
	}

	// The one and only derivation for this meeting. The key, not
	// the master secret, is what the worker receives.
	key, err := binding.DeriveMeetingKey(c.config.Master, meetingID)
	if err != nil {
		return createReply{err: err}
	}

	worker, err := meeting.NewWorker(meeting.Config{
		MeetingID:          meetingID,
		Generation:         generation,
		Key:                key,
		Clock:              c.config.Clock,
		Logger:             c.logger,
		Metrics:            c.config.Metrics,
		Deliverer:          c.config.Deliverer,
		Subscriber:         c.config.Subscriber,
		Store:              c.config.Store,
		OnParticipantDelta: c.counters.AddParticipants,
	})
	if err != nil {
		return createReply{err: err}
	}

	worker.Start(ctx)
	c.meetings[meetingID] = worker
	c.counters.MeetingStarted()

	// Supervise: report the exit back into the loop, whatever the
	// cause. An exit for a meeting still in the map is unexpected.
	go func() {
		<-worker.Done()
		select {
		case c.commands <- exitedCommand{meetingID: meetingID, worker: worker}:
		case <-c.done:
		}
	}()

	c.logger.Info("meeting created", "meeting_id", meetingID, "generation", generation)
	return createReply{generation: generation}
}

func (c *Controller) handleRemove(meetingID string) error {
	worker, exists := c.meetings[meetingID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}

	delete(c.meetings, meetingID)
	c.counters.MeetingEnded()
	worker.Shutdown()
	c.logger.Info("meeting removed", "meeting_id", meetingID)
	return nil
}

func (c *Controller) handleLookup(meetingID string) lookupReply {
	worker, exists := c.meetings[meetingID]
	if !exists {
		return lookupReply{err: fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)}
	}
	return lookupReply{worker: worker}
}

func (c *Controller) handleInfo(ctx context.Context, meetingID string) infoReply {
	worker, exists := c.meetings[meetingID]
	if !exists {
		return infoReply{err: fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)}
	}

	queryCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snapshot, err := worker.Snapshot(queryCtx)
	if err != nil {
		// Conservative fallback: report zero participants rather
		// than failing the status query or serving a stale count.
		c.logger.Warn("meeting worker unreachable for status query",
			"meeting_id", meetingID,
			"error", err,
		)
		return infoReply{info: MeetingInfo{
			MeetingID:  meetingID,
			Generation: worker.Generation(),
			Degraded:   true,
		}}
	}

	return infoReply{info: MeetingInfo{
		MeetingID:        meetingID,
		CreatedAt:        snapshot.CreatedAt,
		Generation:       snapshot.Generation,
		ParticipantCount: len(snapshot.Participants),
	}}
}

// handleExited reaps a finished meeting worker. If the meeting is
// still in the map, nobody asked for this exit: log it, drop the
// entry, and keep serving — a dying meeting never takes the
// controller with it.
func (c *Controller) handleExited(cmd exitedCommand) {
	current, exists := c.meetings[cmd.meetingID]
	if !exists || current != cmd.worker {
		// Expected: removed explicitly, or already replaced.
		return
	}

	c.logger.Warn("meeting worker exited unexpectedly", "meeting_id", cmd.meetingID)
	delete(c.meetings, cmd.meetingID)
	c.counters.MeetingEnded()
}
