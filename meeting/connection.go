// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meeting

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/conclave/telemetry"
	"github.com/bureau-foundation/conclave/transport"
)

// connection is the per-participant connection worker: it owns
// exactly one transport connection, forwarding inbound signaling up
// to the meeting worker and pushing broadcast state changes down to
// the client.
//
// The outbound queue is bounded and enqueue never blocks. Crossing
// the warn watermark logs elevated load; crossing the critical
// watermark logs at error level — the supervisor's cue to consider
// dropping the connection. A full queue drops the payload and counts
// the drop.
type connection struct {
	correlationID string
	participantID string

	deliverer transport.Deliverer
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	outbound      chan []byte
	warnDepth     int
	criticalDepth int
	dropped       atomic.Int64

	// unsubscribe tears down the inbound subscription. Nil when the
	// worker was created without a Subscriber.
	unsubscribe func()

	cancel context.CancelFunc
	done   chan struct{}
}

// connectionConfig carries the knobs a meeting worker sets when
// spawning a connection worker.
type connectionConfig struct {
	correlationID string
	participantID string
	deliverer     transport.Deliverer
	subscriber    transport.Subscriber
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	queueSize     int
	warnDepth     int
	criticalDepth int

	// onSignal relays an inbound payload to the meeting worker.
	onSignal func(correlationID string, payload []byte)
}

// startConnection spawns the worker goroutine. The returned
// connection is live until its context (a child of parent) is
// cancelled or the meeting worker calls stop.
func startConnection(parent context.Context, config connectionConfig) (*connection, error) {
	ctx, cancel := context.WithCancel(parent)
	conn := &connection{
		correlationID: config.correlationID,
		participantID: config.participantID,
		deliverer:     config.deliverer,
		logger: config.logger.With(
			"correlation_id", config.correlationID,
			"participant_id", config.participantID,
		),
		metrics:       config.metrics,
		outbound:      make(chan []byte, config.queueSize),
		warnDepth:     config.warnDepth,
		criticalDepth: config.criticalDepth,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	if config.subscriber != nil {
		unsubscribe, err := config.subscriber.Subscribe(config.correlationID, func(payload []byte) {
			config.onSignal(config.correlationID, payload)
		})
		if err != nil {
			cancel()
			return nil, err
		}
		conn.unsubscribe = unsubscribe
	}

	go conn.run(ctx)
	return conn, nil
}

// run is the worker loop: drain the outbound queue into the
// transport until cancelled. Delivery failures are logged, never
// retried — the transport layer is fire-and-forget by contract.
func (c *connection) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.outbound:
			if err := c.deliverer.Deliver(ctx, c.correlationID, payload); err != nil {
				c.logger.Warn("signaling delivery failed", "error", err)
			}
		}
	}
}

// enqueue queues a payload for delivery without ever blocking. The
// queue depth is sampled into the mailbox histogram on every call.
func (c *connection) enqueue(payload []byte) {
	depth := len(c.outbound)
	if c.metrics != nil {
		c.metrics.MailboxDepth.Record(context.Background(), int64(depth))
	}

	select {
	case c.outbound <- payload:
		switch {
		case depth+1 >= c.criticalDepth:
			c.logger.Error("outbound queue critically deep", "depth", depth+1, "capacity", cap(c.outbound))
		case depth+1 >= c.warnDepth:
			c.logger.Warn("outbound queue under elevated load", "depth", depth+1, "capacity", cap(c.outbound))
		}
	default:
		dropped := c.dropped.Add(1)
		c.logger.Error("outbound queue full, dropping payload", "dropped_total", dropped)
	}
}

// stop cancels the worker. The caller waits on done with its own
// bound; a worker that fails to exit in time is abandoned, not
// joined.
func (c *connection) stop() {
	c.cancel()
}
