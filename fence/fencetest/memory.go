// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fencetest provides an in-memory key-value store with
// JetStream revision semantics for tests of fenced operations.
package fencetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MemoryKV implements the fence.KeyValue subset of jetstream.KeyValue
// in memory: Create fails on existing keys, Update fails unless the
// presented revision matches the current one. Safe for concurrent
// use.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *memoryEntry) Bucket() string                  { return "conclave-test" }
func (e *memoryEntry) Key() string                     { return e.key }
func (e *memoryEntry) Value() []byte                   { return e.value }
func (e *memoryEntry) Revision() uint64                { return e.revision }
func (e *memoryEntry) Created() time.Time              { return time.Time{} }
func (e *memoryEntry) Delta() uint64                   { return 0 }
func (e *memoryEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

// NewMemoryKV returns an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]*memoryEntry)}
}

// Get returns a snapshot of the entry, or jetstream.ErrKeyNotFound.
func (kv *MemoryKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entry, ok := kv.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	snapshot := *entry
	snapshot.value = append([]byte(nil), entry.value...)
	return &snapshot, nil
}

// Create stores a new key at revision 1, or jetstream.ErrKeyExists.
func (kv *MemoryKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, ok := kv.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	kv.entries[key] = &memoryEntry{key: key, value: append([]byte(nil), value...), revision: 1}
	return 1, nil
}

// Update replaces the value if revision matches the current revision.
func (kv *MemoryKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entry, ok := kv.entries[key]
	if !ok {
		return 0, jetstream.ErrKeyNotFound
	}
	if entry.revision != revision {
		return 0, errors.New("fencetest: wrong last revision")
	}
	entry.value = append([]byte(nil), value...)
	entry.revision++
	return entry.revision, nil
}
