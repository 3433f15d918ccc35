// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fence prevents split-brain writes to durable meeting state.
//
// Each meeting has one document in a JetStream key-value bucket
// holding a monotonic ownership generation and the meeting's durable
// state entries. An instance taking ownership bumps the generation;
// every subsequent write must present the generation the writer
// believes is current. A writer presenting a stale generation receives
// [ErrFencedOut] and must treat its local state as no longer
// authoritative.
//
// The check-and-set is atomic at the store: the generation check and
// the state write target the same document, conditioned on the KV
// revision observed during the check. Any interleaved generation bump
// changes the revision, the conditional update fails, and the re-read
// surfaces the newer generation. There is no read-then-write window
// in which a superseded owner can slip a write through.
package fence

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/bureau-foundation/conclave/lib/codec"
)

// Errors returned by Client operations.
var (
	// ErrFencedOut means the presented generation is no longer the
	// meeting's current generation. The operation that triggered
	// the write must be rejected; the local state is stale.
	ErrFencedOut = errors.New("fence: superseded by a newer generation")

	// ErrUnknownMeeting means no fencing document exists for the
	// meeting. Writes require a prior AcquireGeneration.
	ErrUnknownMeeting = errors.New("fence: meeting has no fencing document")
)

// casAttempts bounds compare-and-swap retries. Conflicts occur only
// when another instance races an ownership change for the same
// meeting, so contention is between two parties at most.
const casAttempts = 5

// KeyValue is the subset of jetstream.KeyValue the client needs.
// Tests substitute an in-memory implementation.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// document is the per-meeting fencing document. Generation and state
// live in one document so the revision-conditioned update covers both.
type document struct {
	// Generation is the ownership generation, bumped on each
	// AcquireGeneration.
	Generation uint64 `cbor:"1,keyasint"`

	// WriterID identifies the instance that last modified the
	// document. Diagnostic only; the generation is the authority.
	WriterID string `cbor:"2,keyasint"`

	// State holds the meeting's durable state entries.
	State map[string][]byte `cbor:"3,keyasint,omitempty"`
}

// Client performs fenced operations against one KV bucket on behalf
// of one control-plane instance.
type Client struct {
	kv       KeyValue
	writerID string
}

// NewClient wraps a KV bucket. writerID identifies this instance in
// fencing documents.
func NewClient(kv KeyValue, writerID string) *Client {
	return &Client{kv: kv, writerID: writerID}
}

// meetingKey namespaces the fencing document per meeting. Meeting ids
// are validated at the controller boundary to the KV-safe character
// set, so no escaping happens here.
func meetingKey(meetingID string) string {
	return "meeting." + meetingID
}

// AcquireGeneration atomically bumps and returns the meeting's
// generation, taking ownership. Creates the document at generation 1
// for a meeting never seen before. Existing durable state survives
// the ownership change.
func (c *Client) AcquireGeneration(ctx context.Context, meetingID string) (uint64, error) {
	key := meetingKey(meetingID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := c.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			payload, err := codec.Marshal(document{Generation: 1, WriterID: c.writerID})
			if err != nil {
				return 0, fmt.Errorf("fence: encoding document for %s: %w", meetingID, err)
			}
			if _, err := c.kv.Create(ctx, key, payload); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					// Another instance created it first; re-read and bump.
					continue
				}
				return 0, fmt.Errorf("fence: creating document for %s: %w", meetingID, err)
			}
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("fence: reading document for %s: %w", meetingID, err)
		}

		var doc document
		if err := codec.Unmarshal(entry.Value(), &doc); err != nil {
			return 0, fmt.Errorf("fence: decoding document for %s: %w", meetingID, err)
		}

		doc.Generation++
		doc.WriterID = c.writerID
		payload, err := codec.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("fence: encoding document for %s: %w", meetingID, err)
		}
		if _, err := c.kv.Update(ctx, key, payload, entry.Revision()); err != nil {
			// Revision moved under us: another instance raced an
			// ownership change. Re-read and try again.
			continue
		}
		return doc.Generation, nil
	}

	return 0, fmt.Errorf("fence: acquiring generation for %s: gave up after %d attempts", meetingID, casAttempts)
}

// Write stores a durable state entry for the meeting, accepted only
// if generation is still the meeting's current generation. Returns
// ErrFencedOut otherwise; the caller must discard the state change
// that produced this write.
func (c *Client) Write(ctx context.Context, meetingID, stateKey string, value []byte, generation uint64) error {
	key := meetingKey(meetingID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := c.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingID)
		}
		if err != nil {
			return fmt.Errorf("fence: reading document for %s: %w", meetingID, err)
		}

		var doc document
		if err := codec.Unmarshal(entry.Value(), &doc); err != nil {
			return fmt.Errorf("fence: decoding document for %s: %w", meetingID, err)
		}

		if doc.Generation != generation {
			return fmt.Errorf("%w: presented %d, current %d", ErrFencedOut, generation, doc.Generation)
		}

		if doc.State == nil {
			doc.State = make(map[string][]byte)
		}
		doc.State[stateKey] = value
		doc.WriterID = c.writerID
		payload, err := codec.Marshal(doc)
		if err != nil {
			return fmt.Errorf("fence: encoding document for %s: %w", meetingID, err)
		}
		if _, err := c.kv.Update(ctx, key, payload, entry.Revision()); err != nil {
			// Revision conflict: either a concurrent fenced write
			// from this generation or an ownership change. Re-read;
			// if the generation moved, the next pass fences us out.
			continue
		}
		return nil
	}

	return fmt.Errorf("fence: writing %s for %s: gave up after %d attempts", stateKey, meetingID, casAttempts)
}

// Read returns a durable state entry and the generation it was read
// under. Returns ErrUnknownMeeting if the meeting has no document,
// and a nil value if the entry does not exist.
func (c *Client) Read(ctx context.Context, meetingID, stateKey string) ([]byte, uint64, error) {
	entry, err := c.kv.Get(ctx, meetingKey(meetingID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("fence: reading document for %s: %w", meetingID, err)
	}

	var doc document
	if err := codec.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, 0, fmt.Errorf("fence: decoding document for %s: %w", meetingID, err)
	}
	return doc.State[stateKey], doc.Generation, nil
}

// Generation returns the meeting's current generation without reading
// state. Used by status reporting.
func (c *Client) Generation(ctx context.Context, meetingID string) (uint64, error) {
	_, generation, err := c.Read(ctx, meetingID, "")
	return generation, err
}
