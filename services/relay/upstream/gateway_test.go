// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// fakeAIServer is a minimal stand-in for the AI service: it accepts one
// websocket connection at a time, records process_message frames, and can
// echo responses.
type fakeAIServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []datatypes.ProcessMessage
	echo     bool
}

func newFakeAIServer(t *testing.T, echo bool) *fakeAIServer {
	f := &fakeAIServer{t: t, echo: echo}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAIServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeAIServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var env datatypes.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event != datatypes.EventProcessMessage {
			continue
		}
		var msg datatypes.ProcessMessage
		if err := env.Decode(&msg); err != nil {
			f.t.Errorf("fake upstream: bad process_message: %v", err)
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, msg)
		echo := f.echo
		f.mu.Unlock()

		if echo {
			resp := datatypes.MessageResponse{
				CorrelationID: msg.CorrelationID,
				Content:       "echo: " + msg.Content,
				Status:        "success",
			}
			conn.WriteJSON(datatypes.MustEnvelope(datatypes.EventMessageResponse, resp))
		}
	}
}

func (f *fakeAIServer) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeAIServer) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGateway_SendWhileDisconnected(t *testing.T) {
	g := New(Config{URL: "ws://127.0.0.1:1/ws"}, nil)
	// Never started: state is Disconnected.
	err := g.Send(datatypes.ProcessMessage{CorrelationID: "c-1", Content: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGateway_ConnectAnnouncesAvailability(t *testing.T) {
	fake := newFakeAIServer(t, false)

	status := make(chan bool, 4)
	g := New(Config{URL: fake.url(), ReconnectDelay: 20 * time.Millisecond}, nil)
	g.OnStatus(func(up bool) { status <- up })
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	select {
	case up := <-status:
		if !up {
			t.Fatal("expected first status flip to be true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no availability announcement after connect")
	}
	if !g.Connected() {
		t.Error("expected Connected() true")
	}

	// Drop the link: the gateway must flip to unavailable and reconnect.
	fake.dropConnection()
	select {
	case up := <-status:
		if up {
			t.Fatal("expected status flip to false after drop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no availability announcement after drop")
	}

	select {
	case up := <-status:
		if !up {
			t.Fatal("expected reconnect flip to true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not reconnect")
	}
}

func TestGateway_SendAndReceive(t *testing.T) {
	fake := newFakeAIServer(t, true)

	responses := make(chan datatypes.MessageResponse, 1)
	g := New(Config{URL: fake.url()}, nil)
	g.OnResponse(func(resp datatypes.MessageResponse) { responses <- resp })
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	waitFor(t, 2*time.Second, g.Connected, "gateway never connected")

	msg := datatypes.ProcessMessage{
		CorrelationID: "corr-42",
		Content:       "Analyze X",
		Metadata:      datatypes.MessageMetadata{SessionID: "s-1"},
	}
	if err := g.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.CorrelationID != "corr-42" {
			t.Errorf("expected correlation corr-42, got %q", resp.CorrelationID)
		}
		if !resp.Succeeded() {
			t.Errorf("expected success, got status %q", resp.Status)
		}
		if resp.Content != "echo: Analyze X" {
			t.Errorf("unexpected content %q", resp.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response dispatched")
	}

	if fake.receivedCount() != 1 {
		t.Errorf("expected 1 upstream frame, got %d", fake.receivedCount())
	}
}

func TestGateway_BoundedReconnectThenRedial(t *testing.T) {
	// Dial target that refuses every upgrade; each hit is one dial attempt.
	var dials atomic.Int32
	refused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer refused.Close()

	g := New(Config{
		URL:               "ws" + strings.TrimPrefix(refused.URL, "http"),
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	}, nil)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return g.Attempts() >= 2 },
		"gateway never exhausted its attempts")

	// Exhausted: state parks at disconnected, attempts stay put.
	time.Sleep(50 * time.Millisecond)
	if g.Connected() {
		t.Error("expected gateway to stay disconnected")
	}
	if got := g.Attempts(); got != 2 {
		t.Errorf("expected attempts to hold at 2, got %d", got)
	}

	// Redial resets the budget and tries again.
	before := dials.Load()
	g.Redial()
	waitFor(t, 2*time.Second, func() bool { return dials.Load() > before },
		"redial did not restart dialing")
}

func TestGateway_SendAfterClose(t *testing.T) {
	fake := newFakeAIServer(t, false)
	g := New(Config{URL: fake.url()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	waitFor(t, 2*time.Second, g.Connected, "gateway never connected")

	g.Close()
	err := g.Send(datatypes.ProcessMessage{CorrelationID: "c-1"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
