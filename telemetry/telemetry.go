// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry declares conclave's OpenTelemetry instruments.
//
// Instruments use the global meter provider: with no provider
// installed they are no-ops, so library code records unconditionally
// and only the daemon decides whether an exporter exists. Label sets
// are bounded — status and outcome enums only, never meeting or
// participant identifiers, which would blow up cardinality.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute values for the status label.
var (
	StatusSuccess = attribute.String("status", "success")
	StatusError   = attribute.String("status", "error")
)

// Attribute values for the fencing outcome label.
var (
	OutcomeSuccess   = attribute.String("outcome", "success")
	OutcomeFencedOut = attribute.String("outcome", "fenced_out")
)

// Metrics bundles every instrument the control plane records.
type Metrics struct {
	// ReconnectAttempts counts token-validated reconnect attempts,
	// labeled with status.
	ReconnectAttempts metric.Int64Counter

	// FenceWrites counts fenced store writes, labeled with outcome.
	FenceWrites metric.Int64Counter

	// MailboxDepth samples worker mailbox depth at enqueue time.
	MailboxDepth metric.Int64Histogram

	// HeartbeatDuration measures orchestration heartbeat round
	// trips in seconds.
	HeartbeatDuration metric.Float64Histogram
}

// New creates the instrument set on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("conclave")

	reconnectAttempts, err := meter.Int64Counter("conclave.reconnect.attempts",
		metric.WithDescription("reconnect attempts by status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating reconnect counter: %w", err)
	}
	fenceWrites, err := meter.Int64Counter("conclave.fence.writes",
		metric.WithDescription("fenced store writes by outcome"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating fence counter: %w", err)
	}
	mailboxDepth, err := meter.Int64Histogram("conclave.mailbox.depth",
		metric.WithDescription("worker mailbox depth sampled at enqueue"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating mailbox histogram: %w", err)
	}
	heartbeatDuration, err := meter.Float64Histogram("conclave.heartbeat.duration",
		metric.WithDescription("orchestration heartbeat round trip"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating heartbeat histogram: %w", err)
	}

	return &Metrics{
		ReconnectAttempts: reconnectAttempts,
		FenceWrites:       fenceWrites,
		MailboxDepth:      mailboxDepth,
		HeartbeatDuration: heartbeatDuration,
	}, nil
}
