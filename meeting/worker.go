// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package meeting implements the meeting worker: the sole owner of
// one meeting's participant roster, mute state, and reconnection
// bookkeeping, plus the per-participant connection workers it
// supervises.
//
// The worker is an actor: a state struct mutated only by its own loop
// goroutine, driven by a bounded command channel. Callers never touch
// the state; exported methods post a command and, for calls expecting
// an answer, block on a reply channel. There is no lock around the
// roster because nothing outside the loop can reach it.
//
// Per-participant lifecycle: Joining → Connected ⇄ Disconnected →
// Removed. A disconnect starts the grace timer; a reconnect with a
// valid binding token cancels it and rotates the token; expiry evicts
// the participant and broadcasts the roster change exactly once.
package meeting

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/conclave/binding"
	"github.com/bureau-foundation/conclave/fence"
	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/codec"
	"github.com/bureau-foundation/conclave/telemetry"
	"github.com/bureau-foundation/conclave/transport"
	"github.com/bureau-foundation/conclave/wire"
)

// GracePeriod is how long a disconnected participant may reconnect
// before eviction. Equal to the binding token TTL by construction: a
// token that outlives the reconnect window would be useless, and a
// window that outlives the token would strand valid reconnects.
const GracePeriod = binding.TTL

// Defaults for Config knobs left zero.
const (
	defaultMailboxSize   = 128
	defaultQueueSize     = 64
	defaultWarnDepth     = 48
	defaultCriticalDepth = 60
	defaultDrainTimeout  = 3 * time.Second
)

// rosterStateKey is the fenced-store key for the durable roster.
const rosterStateKey = "roster"

// Config assembles a meeting worker. MeetingID, Key, Clock, Logger,
// and Deliverer are required.
type Config struct {
	MeetingID  string
	Generation uint64

	// Key is the derived per-meeting signing key. Exactly one
	// derived copy exists per meeting; it is handed here at
	// creation and never re-derived.
	Key []byte

	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Deliverer transport.Deliverer

	// Subscriber wires inbound client signaling. Optional; nil
	// means connections are outbound-only.
	Subscriber transport.Subscriber

	// Store persists the roster with fenced writes. Optional; nil
	// disables durable state.
	Store *fence.Client

	// OnParticipantDelta reports roster size changes to the
	// controller's metrics. Optional.
	OnParticipantDelta func(delta int64)

	MailboxSize   int
	QueueSize     int
	WarnDepth     int
	CriticalDepth int
	DrainTimeout  time.Duration
}

// Worker owns one meeting. Create with NewWorker, start with Start.
type Worker struct {
	meetingID  string
	createdAt  time.Time
	generation uint64

	bindings *binding.Manager
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	config   Config

	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}

	// Loop-owned state. Never touched outside run().
	participants map[string]*participantState
	fenced       bool
}

type command interface{}

type joinCommand struct {
	correlationID string
	participantID string
	displayName   string
	isHost        bool
	reply         chan joinReply
}

type joinReply struct {
	token binding.Token
	err   error
}

type reconnectCommand struct {
	correlationID string
	participantID string
	tokenValue    string
	nonce         []byte
	issuedAt      time.Time
	reply         chan joinReply
}

type disconnectCommand struct {
	correlationID string
	participantID string
}

type evictCommand struct {
	participantID string
}

type leaveCommand struct {
	participantID string
	reply         chan error
}

type selfMuteCommand struct {
	participantID string
	muted         bool
}

type hostMuteCommand struct {
	actorID  string
	targetID string
	muted    bool
	reply    chan error
}

type snapshotCommand struct {
	reply chan Snapshot
}

type signalCommand struct {
	correlationID string
	payload       []byte
}

// NewWorker validates the config and builds a worker. The worker does
// nothing until Start.
func NewWorker(config Config) (*Worker, error) {
	bindings, err := binding.NewManager(config.MeetingID, config.Key, config.Clock)
	if err != nil {
		return nil, err
	}

	if config.MailboxSize <= 0 {
		config.MailboxSize = defaultMailboxSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.WarnDepth <= 0 {
		config.WarnDepth = defaultWarnDepth
	}
	if config.CriticalDepth <= 0 {
		config.CriticalDepth = defaultCriticalDepth
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaultDrainTimeout
	}

	return &Worker{
		meetingID:    config.MeetingID,
		createdAt:    config.Clock.Now(),
		generation:   config.Generation,
		bindings:     bindings,
		clock:        config.Clock,
		logger:       config.Logger.With("meeting_id", config.MeetingID),
		metrics:      config.Metrics,
		config:       config,
		commands:     make(chan command, config.MailboxSize),
		done:         make(chan struct{}),
		participants: make(map[string]*participantState),
	}, nil
}

// Start launches the worker loop with a child of the parent context.
// Cancelling the parent cancels this worker and every connection
// worker under it.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

// Done is closed when the worker loop has exited and all connection
// workers have been signalled.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Shutdown cancels the worker. It does not wait; callers that need
// the exit use Done.
func (w *Worker) Shutdown() { w.cancel() }

// MeetingID returns the meeting this worker owns.
func (w *Worker) MeetingID() string { return w.meetingID }

// Generation returns the fencing generation this worker holds.
func (w *Worker) Generation() uint64 { return w.generation }

// Join admits a participant: generates a binding token, spawns a
// connection worker, and broadcasts the roster change. A participant
// id that is already present and connected is rejected with
// ErrAlreadyJoined. A disconnected participant rejoining under a new
// connection replaces its old session.
func (w *Worker) Join(ctx context.Context, correlationID, participantID string, isHost bool, displayName string) (binding.Token, error) {
	reply := make(chan joinReply, 1)
	if err := w.post(ctx, joinCommand{
		correlationID: correlationID,
		participantID: participantID,
		displayName:   displayName,
		isHost:        isHost,
		reply:         reply,
	}); err != nil {
		return binding.Token{}, err
	}
	select {
	case result := <-reply:
		return result.token, result.err
	case <-ctx.Done():
		return binding.Token{}, ctx.Err()
	case <-w.done:
		return binding.Token{}, ErrShuttingDown
	}
}

// Reconnect restores a disconnected participant within the grace
// period. The correlation id names the session established at join,
// not the transport connection: it must be the id the token was
// bound to, even though the client arrives over a new connection.
// On success the binding rotates: the reply carries a brand new
// token and the presented one is never valid again. Every failure —
// unknown participant, still connected, expired window, bad token —
// is ErrReconnectRejected, and the grace timer is not reset.
func (w *Worker) Reconnect(ctx context.Context, correlationID, participantID, tokenValue string, nonce []byte, issuedAt time.Time) (binding.Token, error) {
	reply := make(chan joinReply, 1)
	if err := w.post(ctx, reconnectCommand{
		correlationID: correlationID,
		participantID: participantID,
		tokenValue:    tokenValue,
		nonce:         nonce,
		issuedAt:      issuedAt,
		reply:         reply,
	}); err != nil {
		return binding.Token{}, err
	}
	select {
	case result := <-reply:
		return result.token, result.err
	case <-ctx.Done():
		return binding.Token{}, ctx.Err()
	case <-w.done:
		return binding.Token{}, ErrShuttingDown
	}
}

// ConnectionDisconnected records a transport-level disconnect and
// starts the grace timer. Fire-and-forget.
func (w *Worker) ConnectionDisconnected(ctx context.Context, correlationID, participantID string) error {
	return w.post(ctx, disconnectCommand{correlationID: correlationID, participantID: participantID})
}

// Leave removes a participant explicitly, skipping the grace period.
func (w *Worker) Leave(ctx context.Context, participantID string) error {
	reply := make(chan error, 1)
	if err := w.post(ctx, leaveCommand{participantID: participantID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrShuttingDown
	}
}

// SelfMute records a participant's informational mute and broadcasts
// it. Always permitted: the participant owns this state.
func (w *Worker) SelfMute(ctx context.Context, participantID string, muted bool) error {
	return w.post(ctx, selfMuteCommand{participantID: participantID, muted: muted})
}

// HostMute applies an enforced mute to another participant. The actor
// must currently be a host; otherwise ErrPermissionDenied. Idempotent
// state-wise, but an idempotent call still broadcasts.
func (w *Worker) HostMute(ctx context.Context, actorID, targetID string, muted bool) error {
	reply := make(chan error, 1)
	if err := w.post(ctx, hostMuteCommand{actorID: actorID, targetID: targetID, muted: muted, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrShuttingDown
	}
}

// Snapshot returns a consistent point-in-time copy of the meeting
// state. This is the only way a supervisor learns the live
// participant count; there is no cached count to go stale.
func (w *Worker) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := w.post(ctx, snapshotCommand{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-w.done:
		return Snapshot{}, ErrShuttingDown
	}
}

// post enqueues a command, failing fast if the worker is gone.
func (w *Worker) post(ctx context.Context, cmd command) error {
	select {
	case w.commands <- cmd:
		return nil
	case <-w.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the worker loop. All state mutation happens here.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.teardown()
	defer func() {
		// A panic in a command handler kills this meeting, not the
		// process. The controller observes Done and logs the exit.
		if recovered := recover(); recovered != nil {
			w.logger.Error("meeting worker panicked", "panic", recovered)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case cmd := <-w.commands:
			w.dispatch(ctx, cmd)
		}
	}
}

// drain flushes commands already queued at cancellation so their
// replies are not lost. Each refusal is a non-blocking write to a
// buffered reply channel, so the flush cannot stall; anything posted
// after the mailbox empties is answered by post once done closes.
func (w *Worker) drain() {
	for {
		select {
		case cmd := <-w.commands:
			w.refuse(cmd)
		default:
			return
		}
	}
}

// refuse answers a backlogged command with ErrShuttingDown.
func (w *Worker) refuse(cmd command) {
	switch typed := cmd.(type) {
	case joinCommand:
		typed.reply <- joinReply{err: ErrShuttingDown}
	case reconnectCommand:
		typed.reply <- joinReply{err: ErrShuttingDown}
	case leaveCommand:
		typed.reply <- ErrShuttingDown
	case hostMuteCommand:
		typed.reply <- ErrShuttingDown
	case snapshotCommand:
		typed.reply <- Snapshot{}
	}
}

func (w *Worker) dispatch(ctx context.Context, cmd command) {
	switch typed := cmd.(type) {
	case joinCommand:
		typed.reply <- w.handleJoin(ctx, typed)
	case reconnectCommand:
		typed.reply <- w.handleReconnect(ctx, typed)
	case disconnectCommand:
		w.handleDisconnect(typed)
	case evictCommand:
		w.handleEvict(ctx, typed)
	case leaveCommand:
		typed.reply <- w.handleLeave(ctx, typed)
	case selfMuteCommand:
		w.handleSelfMute(typed)
	case hostMuteCommand:
		typed.reply <- w.handleHostMute(typed)
	case snapshotCommand:
		typed.reply <- w.snapshotLocked()
	case signalCommand:
		w.handleSignal(ctx, typed)
	default:
		w.logger.Warn("unknown command type", "command", cmd)
	}
}

func (w *Worker) handleJoin(ctx context.Context, cmd joinCommand) joinReply {
	if w.fenced {
		return joinReply{err: ErrStateNotAuthoritative}
	}

	rejoin := false
	if existing, ok := w.participants[cmd.participantID]; ok {
		if existing.Connected {
			return joinReply{err: ErrAlreadyJoined}
		}
		// Rejoin of a disconnected participant under a new
		// connection: supersede the old session entirely. The
		// replacement nets to zero on the participant gauge.
		w.removeParticipant(existing, false)
		rejoin = true
	}

	token, err := w.bindings.Generate(cmd.correlationID, cmd.participantID)
	if err != nil {
		return joinReply{err: err}
	}

	state := &participantState{
		Participant: Participant{
			ID:            cmd.participantID,
			CorrelationID: cmd.correlationID,
			DisplayName:   cmd.displayName,
			IsHost:        cmd.isHost,
			Connected:     true,
		},
		token: token,
	}

	conn, err := w.spawnConnection(ctx, state)
	if err != nil {
		return joinReply{err: err}
	}
	state.connection = conn
	w.participants[cmd.participantID] = state

	if err := w.persistRoster(ctx); err != nil {
		// The fenced store refused: another instance owns this
		// meeting. Roll back and reject the join. A rolled-back
		// rejoin loses the superseded session too, so the gauge
		// goes down by the one participant that no longer exists.
		conn.stop()
		delete(w.participants, cmd.participantID)
		if rejoin && w.config.OnParticipantDelta != nil {
			w.config.OnParticipantDelta(-1)
		}
		return joinReply{err: err}
	}

	if !rejoin && w.config.OnParticipantDelta != nil {
		w.config.OnParticipantDelta(1)
	}
	w.logger.Info("participant joined",
		"participant_id", cmd.participantID,
		"is_host", cmd.isHost,
	)
	w.broadcastRoster()
	return joinReply{token: token}
}

func (w *Worker) handleReconnect(ctx context.Context, cmd reconnectCommand) joinReply {
	rejected := func(cause error) joinReply {
		w.recordReconnect(false)
		w.logger.Info("reconnect rejected",
			"participant_id", cmd.participantID,
			"cause", cause,
		)
		return joinReply{err: binding.ErrReconnectRejected}
	}

	if w.fenced {
		return rejected(ErrStateNotAuthoritative)
	}

	state, ok := w.participants[cmd.participantID]
	if !ok {
		return rejected(ErrUnknownParticipant)
	}
	if state.Connected {
		return rejected(ErrAlreadyJoined)
	}

	// The presented credential must be the outstanding one. A
	// previously rotated token still has a valid MAC; comparing
	// against the stored binding is what makes rotation stick.
	if subtle.ConstantTimeCompare([]byte(cmd.tokenValue), []byte(state.token.Value)) != 1 ||
		cmd.correlationID != state.CorrelationID {
		return rejected(binding.ErrTokenMismatch)
	}

	// Expiry and MAC are judged against the stored binding, never
	// the caller's claimed nonce or issuance time: a client cannot
	// extend a token's life by lying about when it was issued.
	if err := w.bindings.Validate(cmd.tokenValue, state.CorrelationID, state.ID, state.token.Nonce, state.token.IssuedAt); err != nil {
		return rejected(err)
	}

	// Rotate before committing: a reconnect that cannot mint its
	// replacement credential fails whole.
	newToken, err := w.bindings.Generate(state.CorrelationID, state.ID)
	if err != nil {
		return rejected(err)
	}

	conn, err := w.spawnConnection(ctx, state)
	if err != nil {
		return rejected(err)
	}

	if state.graceTimer != nil {
		state.graceTimer.Stop()
		state.graceTimer = nil
	}
	state.Connected = true
	state.DisconnectedSince = time.Time{}
	state.token = newToken
	state.connection = conn

	if err := w.persistRoster(ctx); err != nil {
		conn.stop()
		state.Connected = false
		state.connection = nil
		return rejected(err)
	}

	w.recordReconnect(true)
	w.logger.Info("participant reconnected", "participant_id", cmd.participantID)
	w.broadcastRoster()
	return joinReply{token: newToken}
}

func (w *Worker) handleDisconnect(cmd disconnectCommand) {
	state, ok := w.participants[cmd.participantID]
	if !ok || !state.Connected || state.CorrelationID != cmd.correlationID {
		return
	}

	state.Connected = false
	state.DisconnectedSince = w.clock.Now()
	if state.connection != nil {
		state.connection.stop()
		state.connection = nil
	}

	participantID := cmd.participantID
	state.graceTimer = w.clock.AfterFunc(GracePeriod, func() {
		// Runs off-loop: hand the eviction to the mailbox. If the
		// worker is already gone, teardown covers removal.
		select {
		case w.commands <- evictCommand{participantID: participantID}:
		case <-w.done:
		}
	})

	w.logger.Info("participant disconnected",
		"participant_id", cmd.participantID,
		"grace_period", GracePeriod,
	)
	w.broadcastRoster()
}

func (w *Worker) handleEvict(ctx context.Context, cmd evictCommand) {
	state, ok := w.participants[cmd.participantID]
	if !ok || state.Connected {
		// Reconnected (or left) before the eviction was processed:
		// the scheduled removal is superseded.
		return
	}

	w.removeParticipant(state, true)
	w.logger.Info("participant evicted after grace period", "participant_id", cmd.participantID)
	if err := w.persistRoster(ctx); err != nil {
		w.logger.Error("roster persist after eviction failed", "error", err)
	}
	w.broadcastRoster()
}

func (w *Worker) handleLeave(ctx context.Context, cmd leaveCommand) error {
	state, ok := w.participants[cmd.participantID]
	if !ok {
		return ErrUnknownParticipant
	}

	w.removeParticipant(state, true)
	w.logger.Info("participant left", "participant_id", cmd.participantID)
	if err := w.persistRoster(ctx); err != nil {
		w.logger.Error("roster persist after leave failed", "error", err)
	}
	w.broadcastRoster()
	return nil
}

func (w *Worker) handleSelfMute(cmd selfMuteCommand) {
	state, ok := w.participants[cmd.participantID]
	if !ok {
		return
	}

	state.SelfMuted = cmd.muted
	w.broadcastMute(&state.Participant)
}

func (w *Worker) handleHostMute(cmd hostMuteCommand) error {
	actor, ok := w.participants[cmd.actorID]
	if !ok || !actor.IsHost {
		w.logger.Warn("host-mute denied",
			"actor_id", cmd.actorID,
			"target_id", cmd.targetID,
		)
		return ErrPermissionDenied
	}

	target, ok := w.participants[cmd.targetID]
	if !ok {
		return ErrUnknownParticipant
	}

	target.HostMuted = cmd.muted
	if cmd.muted {
		target.MutedBy = cmd.actorID
	} else {
		target.MutedBy = ""
	}
	w.broadcastMute(&target.Participant)
	return nil
}

// handleSignal routes an inbound client signal by correlation id.
func (w *Worker) handleSignal(ctx context.Context, cmd signalCommand) {
	var signal wire.Signal
	if err := codec.Unmarshal(cmd.payload, &signal); err != nil {
		w.logger.Warn("undecodable inbound signal", "correlation_id", cmd.correlationID, "error", err)
		return
	}

	state := w.participantByCorrelation(cmd.correlationID)
	if state == nil {
		w.logger.Warn("inbound signal for unknown connection", "correlation_id", cmd.correlationID)
		return
	}

	switch signal.Kind {
	case wire.SignalKindSelfMute:
		var muted bool
		if err := codec.Unmarshal(signal.Payload, &muted); err != nil {
			w.logger.Warn("bad self-mute payload", "participant_id", state.ID, "error", err)
			return
		}
		w.handleSelfMute(selfMuteCommand{participantID: state.ID, muted: muted})
	case wire.SignalKindLeave:
		_ = w.handleLeave(ctx, leaveCommand{participantID: state.ID})
	default:
		w.logger.Warn("unknown signal kind", "kind", signal.Kind)
	}
}

func (w *Worker) participantByCorrelation(correlationID string) *participantState {
	for _, state := range w.participants {
		if state.CorrelationID == correlationID {
			return state
		}
	}
	return nil
}

// removeParticipant drops a participant from the roster and stops its
// workers. reportDelta is false when the removal is an internal
// replacement (rejoin) that nets to zero.
func (w *Worker) removeParticipant(state *participantState, reportDelta bool) {
	if state.graceTimer != nil {
		state.graceTimer.Stop()
		state.graceTimer = nil
	}
	if state.connection != nil {
		state.connection.stop()
		state.connection = nil
	}
	delete(w.participants, state.ID)
	if reportDelta && w.config.OnParticipantDelta != nil {
		w.config.OnParticipantDelta(-1)
	}
}

func (w *Worker) spawnConnection(ctx context.Context, state *participantState) (*connection, error) {
	return startConnection(ctx, connectionConfig{
		correlationID: state.CorrelationID,
		participantID: state.ID,
		deliverer:     w.config.Deliverer,
		subscriber:    w.config.Subscriber,
		logger:        w.logger,
		metrics:       w.metrics,
		queueSize:     w.config.QueueSize,
		warnDepth:     w.config.WarnDepth,
		criticalDepth: w.config.CriticalDepth,
		onSignal: func(correlationID string, payload []byte) {
			select {
			case w.commands <- signalCommand{correlationID: correlationID, payload: payload}:
			case <-w.done:
			default:
				// Mailbox full: an inbound signal is droppable; a
				// blocked transport callback is not.
				w.logger.Warn("mailbox full, dropping inbound signal", "correlation_id", correlationID)
			}
		},
	})
}

// persistRoster writes the roster to the fenced store under this
// worker's generation. A FencedOut result marks the worker
// non-authoritative: every subsequent mutation is rejected until the
// controller tears it down.
func (w *Worker) persistRoster(ctx context.Context) error {
	if w.config.Store == nil {
		return nil
	}

	payload, err := codec.Marshal(w.snapshotLocked().rosterInfo())
	if err != nil {
		return err
	}

	err = w.config.Store.Write(ctx, w.meetingID, rosterStateKey, payload, w.generation)
	if w.metrics != nil {
		outcome := telemetry.OutcomeSuccess
		if errors.Is(err, fence.ErrFencedOut) {
			outcome = telemetry.OutcomeFencedOut
		}
		w.metrics.FenceWrites.Add(ctx, 1, metric.WithAttributes(outcome))
	}
	if errors.Is(err, fence.ErrFencedOut) {
		w.fenced = true
		w.logger.Error("fenced out: another instance owns this meeting", "generation", w.generation)
		return ErrStateNotAuthoritative
	}
	if err != nil {
		// Store unavailability is not a fencing decision; log and
		// keep serving from local state.
		w.logger.Warn("roster persist failed", "error", err)
		return nil
	}
	return nil
}

func (w *Worker) recordReconnect(success bool) {
	if w.metrics == nil {
		return
	}
	status := telemetry.StatusSuccess
	if !success {
		status = telemetry.StatusError
	}
	w.metrics.ReconnectAttempts.Add(context.Background(), 1, metric.WithAttributes(status))
}

// snapshotLocked builds a Snapshot. Loop goroutine only.
func (w *Worker) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		MeetingID:    w.meetingID,
		CreatedAt:    w.createdAt,
		Generation:   w.generation,
		Participants: make([]Participant, 0, len(w.participants)),
	}
	for _, state := range w.participants {
		snapshot.Participants = append(snapshot.Participants, state.Participant)
	}
	return snapshot
}

// rosterInfo renders the snapshot for wire encoding and persistence.
func (s Snapshot) rosterInfo() []wire.ParticipantInfo {
	roster := make([]wire.ParticipantInfo, 0, len(s.Participants))
	for index := range s.Participants {
		roster = append(roster, s.Participants[index].info())
	}
	return roster
}

// broadcastRoster pushes the full roster to every connected
// participant.
func (w *Worker) broadcastRoster() {
	payload, err := codec.Marshal(wire.Update{
		Kind:      wire.UpdateKindRoster,
		MeetingID: w.meetingID,
		Roster:    w.snapshotLocked().rosterInfo(),
	})
	if err != nil {
		w.logger.Error("encoding roster update", "error", err)
		return
	}
	w.broadcast(payload)
}

// broadcastMute pushes one participant's mute change to everyone.
func (w *Worker) broadcastMute(participant *Participant) {
	payload, err := codec.Marshal(wire.Update{
		Kind:      wire.UpdateKindMute,
		MeetingID: w.meetingID,
		Mute: &wire.MuteChange{
			ParticipantID: participant.ID,
			SelfMuted:     participant.SelfMuted,
			HostMuted:     participant.HostMuted,
			MutedBy:       participant.MutedBy,
		},
	})
	if err != nil {
		w.logger.Error("encoding mute update", "error", err)
		return
	}
	w.broadcast(payload)
}

func (w *Worker) broadcast(payload []byte) {
	for _, state := range w.participants {
		if state.connection != nil {
			state.connection.enqueue(payload)
		}
	}
}

// teardown stops every connection worker and waits a bounded time for
// each to exit. A connection that neither exits nor panics within the
// bound is logged and abandoned — meeting removal must never block
// the controller. Participants still on the roster come off the
// gauge here; without this a removed meeting's members would be
// reported in heartbeats forever.
func (w *Worker) teardown() {
	if w.config.OnParticipantDelta != nil && len(w.participants) > 0 {
		w.config.OnParticipantDelta(-int64(len(w.participants)))
	}
	for _, state := range w.participants {
		if state.graceTimer != nil {
			state.graceTimer.Stop()
		}
		if state.connection == nil {
			continue
		}
		state.connection.stop()
	}

	deadline := time.After(w.config.DrainTimeout)
	for _, state := range w.participants {
		if state.connection == nil {
			continue
		}
		select {
		case <-state.connection.done:
		case <-deadline:
			w.logger.Warn("connection worker did not exit in time, abandoning",
				"participant_id", state.ID,
			)
			return
		}
	}
}
