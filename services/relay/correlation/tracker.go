// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package correlation tracks in-flight request/response round trips.
//
// Every message forwarded upstream gets a correlation identifier. The
// Tracker is the single source of truth for which correlations are still
// pending and which connection owns each one. The Supervisor bounds how
// long a correlation may stay pending.
//
// # Single-Resolution Invariant
//
// Exactly one terminal transition occurs per correlation: Resolve (upstream
// replied), Timeout (deadline passed), or Discard (owner disconnected).
// Resolve and Timeout race by construction; both are implemented as an
// atomic check-and-remove under the tracker mutex, so the first caller wins
// and every later caller gets a no-op answer. This is the central
// correctness property of the relay.
//
// Terminal correlations are removed from the map immediately. The map only
// ever holds pending entries, so memory stays bounded by the in-flight cap
// even under a flaky upstream.
package correlation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxInFlight caps pending correlations process-wide. The original
// relay had no bound; the cap turns sustained upstream silence into typed
// client errors instead of unbounded memory growth.
const DefaultMaxInFlight = 1024

// ErrTooManyInFlight is returned by Begin when the pending map is full.
var ErrTooManyInFlight = errors.New("too many in-flight correlations")

// entry is one pending round trip.
type entry struct {
	owner   string
	started time.Time
}

// Outcome is the result of a terminal transition attempt.
//
// Live is true when the caller won the transition and owns delivery.
// Owner and Age are only meaningful when Live is true.
type Outcome struct {
	// Owner is the connection that must receive the result.
	Owner string

	// Age is how long the correlation was pending.
	Age time.Duration

	// Live reports whether this call performed the terminal transition.
	// False means another path (response, timeout, or discard) already
	// did; the caller must treat the result as a no-op.
	Live bool
}

// Tracker maps pending correlation ids to their owning connections.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A single mutex guards the map;
// at the expected load (thousands of pending entries) per-key sharding
// buys nothing measurable.
type Tracker struct {
	mu          sync.Mutex
	pending     map[string]entry
	maxInFlight int
}

// NewTracker creates a tracker with the given in-flight cap.
// A non-positive cap falls back to DefaultMaxInFlight.
func NewTracker(maxInFlight int) *Tracker {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Tracker{
		pending:     make(map[string]entry, 64),
		maxInFlight: maxInFlight,
	}
}

// Begin allocates a fresh correlation id owned by the given connection.
//
// The id is a random uuid: unguessable and unique across concurrent
// messages from the same or different clients. A collision with a pending
// id would mean the uuid source is broken, which is a programming error,
// not a runtime condition — Begin panics rather than retrying.
//
// Returns ErrTooManyInFlight when the pending map is at capacity; the
// caller surfaces that to the client as a typed 429 error.
func (t *Tracker) Begin(ownerConnectionID string) (string, error) {
	id := uuid.New().String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) >= t.maxInFlight {
		return "", ErrTooManyInFlight
	}
	if _, exists := t.pending[id]; exists {
		panic(fmt.Sprintf("correlation id collision: %s", id))
	}
	t.pending[id] = entry{owner: ownerConnectionID, started: time.Now()}
	return id, nil
}

// Resolve marks a correlation as answered by the upstream.
//
// Returns a live Outcome carrying the owning connection if the correlation
// was still pending. A dead Outcome means it already reached a terminal
// state — the caller treats that as an idempotent no-op, which is what
// guards the race against a concurrently firing timeout.
func (t *Tracker) Resolve(correlationID string) Outcome {
	return t.remove(correlationID)
}

// Timeout marks a correlation as expired. Symmetric to Resolve: first
// terminal transition wins, later calls get a dead Outcome.
func (t *Tracker) Timeout(correlationID string) Outcome {
	return t.remove(correlationID)
}

// Discard removes a correlation without delivery. Used on owner disconnect.
func (t *Tracker) Discard(correlationID string) bool {
	return t.remove(correlationID).Live
}

// DiscardOwned removes every pending correlation owned by a connection and
// returns their ids so the caller can disarm the matching timers. Called
// when a client disconnects; resolution becomes a no-op and no delivery is
// attempted.
func (t *Tracker) DiscardOwned(ownerConnectionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var discarded []string
	for id, e := range t.pending {
		if e.owner == ownerConnectionID {
			delete(t.pending, id)
			discarded = append(discarded, id)
		}
	}
	return discarded
}

// InFlight returns the number of pending correlations.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// remove is the atomic check-and-remove all terminal transitions share.
func (t *Tracker) remove(correlationID string) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[correlationID]
	if !ok {
		return Outcome{}
	}
	delete(t.pending, correlationID)
	return Outcome{Owner: e.owner, Age: time.Since(e.started), Live: true}
}
