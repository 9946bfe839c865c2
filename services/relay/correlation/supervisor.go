// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlation

import (
	"sync"
	"time"
)

// DefaultResponseTimeout bounds how long a correlation may stay pending.
// The upstream AI service's own processing budget is 30s, so the relay
// waits the same before synthesizing a 504.
const DefaultResponseTimeout = 30 * time.Second

// TimeoutFunc is invoked when a correlation's deadline passes. It runs on
// the timer goroutine; implementations must be safe for concurrent use and
// must tolerate ids that already reached a terminal state.
type TimeoutFunc func(correlationID string)

// Supervisor schedules one-shot deadline timers per correlation.
//
// # Description
//
// Arm starts a countdown; if it expires the TimeoutFunc fires, which leads
// the orchestrator to call Tracker.Timeout. Disarm cancels the countdown
// when a response wins the race. Disarm matters for resources as much as
// correctness: without it, every resolved message would leave a timer
// running for the full deadline, which leaks under high throughput.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A fired timer re-checks its map
// slot under the mutex before calling out, so a Disarm that loses the race
// with the firing goroutine still results in a single no-op.
type Supervisor struct {
	mu        sync.Mutex
	timers    map[string]*time.Timer
	onTimeout TimeoutFunc
	stopped   bool
}

// NewSupervisor creates a supervisor that reports expiries to onTimeout.
func NewSupervisor(onTimeout TimeoutFunc) *Supervisor {
	return &Supervisor{
		timers:    make(map[string]*time.Timer, 64),
		onTimeout: onTimeout,
	}
}

// Arm schedules a one-shot timer for the correlation. A non-positive
// duration falls back to DefaultResponseTimeout. Arming an id twice
// replaces the earlier timer.
func (s *Supervisor) Arm(correlationID string, d time.Duration) {
	if d <= 0 {
		d = DefaultResponseTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, exists := s.timers[correlationID]; exists {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, exists := s.timers[correlationID]
		if !exists || current != timer {
			// Disarmed (or re-armed) between firing and acquiring
			// the lock. Stale fire, nothing to do.
			s.mu.Unlock()
			return
		}
		delete(s.timers, correlationID)
		s.mu.Unlock()

		s.onTimeout(correlationID)
	})
	s.timers[correlationID] = timer
}

// Disarm cancels the timer for a correlation. Returns true if a timer was
// still armed. Called when Resolve wins the race; a false return means the
// timer already fired and the tracker's check-and-set will sort out the
// rest.
func (s *Supervisor) Disarm(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, exists := s.timers[correlationID]
	if !exists {
		return false
	}
	delete(s.timers, correlationID)
	timer.Stop()
	return true
}

// Armed returns the number of live timers.
func (s *Supervisor) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer and rejects further Arm calls. Used on
// shutdown so no timeout fires into torn-down components.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
