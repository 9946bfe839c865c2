// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks live client connections for the relay.
//
// The registry maps a connection identifier to its transport handle so that
// asynchronous results (AI responses, timeouts, availability broadcasts) can
// be delivered to the right client long after the inbound request returned.
//
// # Thread Safety
//
// The registry is sharded: each shard holds its own RWMutex so concurrent
// registers, delivers, and broadcasts on different connections rarely
// contend. The global size is tracked atomically for lock-free reads.
package registry

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// shardCount is the number of registry shards. Must be a power of two so
// shard selection can mask instead of mod.
const shardCount = 16

// Handle is the transport side of a registered connection.
//
// Implementations wrap a websocket connection and must serialize their own
// writes (gorilla/websocket permits one concurrent writer).
type Handle interface {
	// Send writes one envelope to the client. A failed send is the
	// caller's signal that the connection is going away; the read loop
	// will unregister it.
	Send(env datatypes.Envelope) error

	// Close tears down the underlying transport.
	Close() error
}

// poolShard is a single shard of the registry.
type poolShard struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// Registry maps connectionId → Handle for asynchronous delivery.
type Registry struct {
	shards   [shardCount]*poolShard
	hashSeed maphash.Seed
	size     atomic.Int32
}

// New creates an empty connection registry.
func New() *Registry {
	r := &Registry{hashSeed: maphash.MakeSeed()}
	for i := range shardCount {
		r.shards[i] = &poolShard{handles: make(map[string]Handle, 64)}
	}
	return r
}

// getShard selects the shard for a connection id. maphash.String is
// inlined and allocation-free.
func (r *Registry) getShard(connectionID string) *poolShard {
	h := maphash.String(r.hashSeed, connectionID)
	return r.shards[h&(shardCount-1)]
}

// Register adds a connection. An existing handle under the same id is
// replaced; ids are uuids so this only happens in tests.
func (r *Registry) Register(connectionID string, h Handle) {
	shard := r.getShard(connectionID)

	shard.mu.Lock()
	if _, exists := shard.handles[connectionID]; !exists {
		r.size.Add(1)
	}
	shard.handles[connectionID] = h
	shard.mu.Unlock()
}

// Unregister removes a connection. Returns true if it was present.
//
// The caller is responsible for discarding any pending correlations owned
// by the connection (see business.Orchestrator.HandleDisconnect).
func (r *Registry) Unregister(connectionID string) bool {
	shard := r.getShard(connectionID)

	shard.mu.Lock()
	_, exists := shard.handles[connectionID]
	if exists {
		delete(shard.handles, connectionID)
		r.size.Add(-1)
	}
	shard.mu.Unlock()
	return exists
}

// Deliver sends an envelope to one connection.
//
// Returns false if the connection no longer exists or the write failed.
// A miss is non-fatal: it is the expected outcome of the race between a
// disconnect and a late response, and callers must not escalate it.
func (r *Registry) Deliver(connectionID string, env datatypes.Envelope) bool {
	shard := r.getShard(connectionID)

	shard.mu.RLock()
	h, exists := shard.handles[connectionID]
	shard.mu.RUnlock()

	if !exists {
		return false
	}
	return h.Send(env) == nil
}

// Broadcast sends an envelope to every registered connection and returns
// the number of successful sends. Shard snapshots are taken so no lock is
// held during writes.
func (r *Registry) Broadcast(env datatypes.Envelope) int {
	var targets []Handle
	for i := range shardCount {
		shard := r.shards[i]
		shard.mu.RLock()
		for _, h := range shard.handles {
			targets = append(targets, h)
		}
		shard.mu.RUnlock()
	}

	delivered := 0
	for _, h := range targets {
		if h.Send(env) == nil {
			delivered++
		}
	}
	return delivered
}

// Size returns the current connection count (lock-free).
func (r *Registry) Size() int {
	return int(r.size.Load())
}
