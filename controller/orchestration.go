// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/codec"
	"github.com/bureau-foundation/conclave/telemetry"
	"github.com/bureau-foundation/conclave/wire"
)

// ErrNotRegistered reports that the orchestration service does not
// know this instance. The heartbeat loop reacts by re-registering.
var ErrNotRegistered = errors.New("controller: instance not registered")

// OrchestratorClient is the controller's view of the orchestration
// service.
type OrchestratorClient interface {
	Register(ctx context.Context, request wire.RegisterRequest) error
	Heartbeat(ctx context.Context, request wire.HeartbeatRequest) error
	DeepHeartbeat(ctx context.Context, request wire.DeepHeartbeatRequest) error
}

// NATS request/reply subjects for orchestration.
const (
	subjectRegister      = "conclave.orchestrator.register"
	subjectHeartbeat     = "conclave.orchestrator.heartbeat"
	subjectDeepHeartbeat = "conclave.orchestrator.deepheartbeat"

	orchestratorRequestTimeout = 5 * time.Second
)

// NATSOrchestratorClient speaks to the orchestration service over
// NATS request/reply with CBOR bodies.
type NATSOrchestratorClient struct {
	conn *nats.Conn
}

// NewNATSOrchestratorClient wraps an established NATS connection.
func NewNATSOrchestratorClient(conn *nats.Conn) *NATSOrchestratorClient {
	return &NATSOrchestratorClient{conn: conn}
}

func (c *NATSOrchestratorClient) Register(ctx context.Context, request wire.RegisterRequest) error {
	var response wire.RegisterResponse
	if err := c.request(ctx, subjectRegister, request, &response); err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("controller: registration rejected: %s", response.Error)
	}
	return nil
}

func (c *NATSOrchestratorClient) Heartbeat(ctx context.Context, request wire.HeartbeatRequest) error {
	var response wire.HeartbeatResponse
	if err := c.request(ctx, subjectHeartbeat, request, &response); err != nil {
		return err
	}
	return heartbeatError(response)
}

func (c *NATSOrchestratorClient) DeepHeartbeat(ctx context.Context, request wire.DeepHeartbeatRequest) error {
	var response wire.HeartbeatResponse
	if err := c.request(ctx, subjectDeepHeartbeat, request, &response); err != nil {
		return err
	}
	return heartbeatError(response)
}

func heartbeatError(response wire.HeartbeatResponse) error {
	if response.NotFound {
		return ErrNotRegistered
	}
	if !response.OK {
		return fmt.Errorf("controller: heartbeat rejected")
	}
	return nil
}

func (c *NATSOrchestratorClient) request(ctx context.Context, subject string, request any, response any) error {
	payload, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", subject, err)
	}
	requestCtx, cancel := context.WithTimeout(ctx, orchestratorRequestTimeout)
	defer cancel()
	message, err := c.conn.RequestWithContext(requestCtx, subject, payload)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", subject, err)
	}
	if err := codec.Unmarshal(message.Data, response); err != nil {
		return fmt.Errorf("decoding %s response: %w", subject, err)
	}
	return nil
}

// Heartbeat cadence.
const (
	heartbeatInterval     = 5 * time.Second
	deepHeartbeatInterval = 30 * time.Second

	registerBackoffInitial = 1 * time.Second
	registerBackoffCap     = 30 * time.Second
	registerWindow         = 5 * time.Minute
)

// OrchestrationLoop keeps one instance registered and heartbeating.
type OrchestrationLoop struct {
	client     OrchestratorClient
	controller *Controller
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	instanceID string
	region     string
	endpoint   string
	capacity   int
	sessionID  string
}

// OrchestrationConfig assembles an orchestration loop.
type OrchestrationConfig struct {
	Client     OrchestratorClient
	Controller *Controller
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics

	InstanceID string
	Region     string
	Endpoint   string
	Capacity   int
}

// NewOrchestrationLoop builds the loop. Run starts it. A fresh
// session id is generated here, once per process.
func NewOrchestrationLoop(config OrchestrationConfig) *OrchestrationLoop {
	return &OrchestrationLoop{
		sessionID:  uuid.NewString(),
		client:     config.Client,
		controller: config.Controller,
		clock:      config.Clock,
		logger:     config.Logger.With("instance_id", config.InstanceID),
		metrics:    config.Metrics,
		instanceID: config.InstanceID,
		region:     config.Region,
		endpoint:   config.Endpoint,
		capacity:   config.Capacity,
	}
}

func (l *OrchestrationLoop) registerRequest() wire.RegisterRequest {
	return wire.RegisterRequest{
		InstanceID: l.instanceID,
		Region:     l.region,
		Endpoint:   l.endpoint,
		Capacity:   l.capacity,
		SessionID:  l.sessionID,
	}
}

// Run registers, then heartbeats until the context is cancelled. It
// never exits on orchestrator failure: an unreachable orchestrator
// means retry, not process death — live meetings keep serving either
// way.
func (l *OrchestrationLoop) Run(ctx context.Context) {
	if !l.register(ctx) {
		return
	}

	lightweight := l.clock.NewTicker(heartbeatInterval)
	defer lightweight.Stop()
	deep := l.clock.NewTicker(deepHeartbeatInterval)
	defer deep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lightweight.Chan():
			l.beat(ctx, false)
		case <-deep.Chan():
			l.beat(ctx, true)
		}
	}
}

// register retries with exponential backoff until it succeeds or the
// context is cancelled. Past the retry window it keeps trying at the
// capped interval but escalates the log level.
func (l *OrchestrationLoop) register(ctx context.Context) bool {
	request := l.registerRequest()

	backoff := registerBackoffInitial
	started := l.clock.Now()
	for {
		err := l.client.Register(ctx, request)
		if err == nil {
			l.logger.Info("registered with orchestrator",
				"region", l.region, "endpoint", l.endpoint, "session_id", l.sessionID)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		elapsed := l.clock.Now().Sub(started)
		if elapsed > registerWindow {
			l.logger.Error("still unable to register with orchestrator",
				"error", err, "elapsed", elapsed)
		} else {
			l.logger.Warn("registration failed, retrying",
				"error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return false
		case <-l.clock.After(backoff):
		}
		backoff *= 2
		if backoff > registerBackoffCap {
			backoff = registerBackoffCap
		}
	}
}

func (l *OrchestrationLoop) beat(ctx context.Context, deep bool) {
	counters := l.controller.Counters()
	heartbeat := wire.HeartbeatRequest{
		InstanceID:       l.instanceID,
		MeetingCount:     counters.Meetings(),
		ParticipantCount: counters.Participants(),
		Healthy:          true,
	}

	started := l.clock.Now()
	var err error
	if deep {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		err = l.client.DeepHeartbeat(ctx, wire.DeepHeartbeatRequest{
			HeartbeatRequest: heartbeat,
			MemoryBytes:      stats.Alloc,
			Goroutines:       runtime.NumGoroutine(),
		})
	} else {
		err = l.client.Heartbeat(ctx, heartbeat)
	}
	elapsed := l.clock.Now().Sub(started)

	if l.metrics != nil {
		status := telemetry.StatusSuccess
		if err != nil {
			status = telemetry.StatusError
		}
		l.metrics.HeartbeatDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(status))
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrNotRegistered):
		// The orchestrator restarted and lost us. One immediate
		// re-registration attempt, then back to the normal cadence;
		// the next heartbeat retries if it also fails.
		l.logger.Warn("orchestrator lost registration, re-registering")
		if registerErr := l.client.Register(ctx, l.registerRequest()); registerErr != nil {
			l.logger.Warn("re-registration failed", "error", registerErr)
		} else {
			l.logger.Info("re-registered with orchestrator")
		}
	default:
		l.logger.Warn("heartbeat failed", "error", err, "deep", deep)
	}
}
