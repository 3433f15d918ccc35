// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries serialized signaling payloads between the
// control plane and client connections. The media layer owns the
// actual connections; this package only addresses them by correlation
// id. Delivery is fire-and-forget: failures are reported to the
// caller for logging, never retried here.
package transport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Deliverer pushes a payload to the client connection identified by a
// correlation id. Implemented by NATS in production and by in-memory
// fakes in worker tests.
type Deliverer interface {
	Deliver(ctx context.Context, correlationID string, payload []byte) error
}

// Subscriber receives inbound signaling payloads for a correlation
// id. Call the returned stop function to drop the subscription.
type Subscriber interface {
	Subscribe(correlationID string, handler func(payload []byte)) (stop func(), err error)
}

// Subject prefixes. The correlation id is the final token, so the
// media layer can subscribe per connection.
const (
	outboundPrefix = "conclave.signal."
	inboundPrefix  = "conclave.inbound."
)

// NATS delivers signaling over core NATS publish/subscribe.
type NATS struct {
	conn *nats.Conn
}

// NewNATS wraps an established NATS connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Deliver publishes the payload to the connection's outbound subject.
func (t *NATS) Deliver(_ context.Context, correlationID string, payload []byte) error {
	if err := t.conn.Publish(outboundPrefix+correlationID, payload); err != nil {
		return fmt.Errorf("transport: publishing to %s: %w", outboundPrefix+correlationID, err)
	}
	return nil
}

// Subscribe registers a handler for the connection's inbound subject.
func (t *NATS) Subscribe(correlationID string, handler func(payload []byte)) (func(), error) {
	subscription, err := t.conn.Subscribe(inboundPrefix+correlationID, func(message *nats.Msg) {
		handler(message.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribing to %s: %w", inboundPrefix+correlationID, err)
	}
	return func() { subscription.Unsubscribe() }, nil
}
