// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// fakeHandle records envelopes for assertions.
type fakeHandle struct {
	mu     sync.Mutex
	sent   []datatypes.Envelope
	fail   bool
	closed bool
}

func (f *fakeHandle) Send(env datatypes.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("write on closed connection")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHandle) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRegistry_RegisterDeliver(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	r.Register("conn-1", h)

	if r.Size() != 1 {
		t.Fatalf("expected size 1, got %d", r.Size())
	}

	env := datatypes.MustEnvelope(datatypes.EventAIResponse, datatypes.AIResponse{CorrelationID: "c-1"})
	if !r.Deliver("conn-1", env) {
		t.Error("expected delivery to succeed")
	}
	if h.count() != 1 {
		t.Errorf("expected 1 envelope, got %d", h.count())
	}
}

// TestRegistry_DeliverMiss pins the non-fatal miss contract: delivering to a
// gone connection returns false and nothing else happens.
func TestRegistry_DeliverMiss(t *testing.T) {
	r := New()
	env := datatypes.MustEnvelope(datatypes.EventAIError, datatypes.AIError{Code: datatypes.CodeUpstreamTimeout})

	if r.Deliver("never-registered", env) {
		t.Error("expected miss for unknown connection")
	}

	h := &fakeHandle{}
	r.Register("conn-1", h)
	r.Unregister("conn-1")
	if r.Deliver("conn-1", env) {
		t.Error("expected miss after unregister")
	}
	if h.count() != 0 {
		t.Errorf("stale handle received %d envelopes", h.count())
	}
}

func TestRegistry_DeliverSendFailure(t *testing.T) {
	r := New()
	r.Register("conn-1", &fakeHandle{fail: true})

	env := datatypes.MustEnvelope(datatypes.EventServiceStatus, datatypes.ServiceStatus{AI: true})
	if r.Deliver("conn-1", env) {
		t.Error("expected delivery failure when the handle write fails")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	r.Register("conn-1", &fakeHandle{})

	if !r.Unregister("conn-1") {
		t.Error("expected unregister to report presence")
	}
	if r.Unregister("conn-1") {
		t.Error("expected second unregister to be a no-op")
	}
	if r.Size() != 0 {
		t.Errorf("expected size 0, got %d", r.Size())
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	r := New()
	handles := make([]*fakeHandle, 5)
	for i := range handles {
		handles[i] = &fakeHandle{}
		r.Register(fmt.Sprintf("conn-%d", i), handles[i])
	}
	// One dead connection should not affect the rest.
	r.Register("conn-dead", &fakeHandle{fail: true})

	env := datatypes.MustEnvelope(datatypes.EventServiceStatus, datatypes.ServiceStatus{AI: false})
	if got := r.Broadcast(env); got != 5 {
		t.Errorf("expected 5 deliveries, got %d", got)
	}
	for i, h := range handles {
		if h.count() != 1 {
			t.Errorf("handle %d: expected 1 envelope, got %d", i, h.count())
		}
	}
}

// TestRegistry_ConcurrentAccess exercises the sharded locking under racing
// registers, delivers, and unregisters.
func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	env := datatypes.MustEnvelope(datatypes.EventServiceStatus, datatypes.ServiceStatus{AI: true})

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", n)
			r.Register(id, &fakeHandle{})
			r.Deliver(id, env)
			r.Broadcast(env)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	if r.Size() != 0 {
		t.Errorf("expected empty registry after churn, got size %d", r.Size())
	}
}
