// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/business"
	"github.com/AleutianAI/AleutianRelay/services/relay/correlation"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/registry"
)

// fakeLink is a controllable business.UpstreamLink.
type fakeLink struct {
	mu        sync.Mutex
	connected bool
	sent      []datatypes.ProcessMessage
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Send(msg datatypes.ProcessMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeLink) lastSent(t *testing.T) datatypes.ProcessMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sent) > 0 {
			msg := f.sent[len(f.sent)-1]
			f.mu.Unlock()
			return msg
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("nothing reached the upstream link")
	return datatypes.ProcessMessage{}
}

// wsTestRig is a relay websocket endpoint plus one connected client.
type wsTestRig struct {
	orch *business.Orchestrator
	link *fakeLink
	conn *websocket.Conn
}

func newWSTestRig(t *testing.T) *wsTestRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	link := &fakeLink{connected: true}
	orch := business.New(business.Options{
		Registry:        registry.New(),
		Tracker:         correlation.NewTracker(0),
		Upstream:        link,
		ResponseTimeout: 10 * time.Second,
	})
	t.Cleanup(orch.Shutdown)

	router := gin.New()
	router.GET("/socket.io/", HandleRelayWebSocket(orch, nil, nil))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket.io/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &wsTestRig{orch: orch, link: link, conn: conn}
}

// readEvent reads frames until one matches the wanted event.
func (r *wsTestRig) readEvent(t *testing.T, event string) datatypes.Envelope {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env datatypes.Envelope
		require.NoError(t, r.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func (r *wsTestRig) send(t *testing.T, event string, payload any) {
	t.Helper()
	require.NoError(t, r.conn.WriteJSON(datatypes.MustEnvelope(event, payload)))
}

func TestWebSocket_SessionCreatedOnConnect(t *testing.T) {
	rig := newWSTestRig(t)

	env := rig.readEvent(t, datatypes.EventSessionCreated)
	var created datatypes.SessionCreated
	require.NoError(t, env.Decode(&created))
	assert.NotEmpty(t, created.SessionID)

	env = rig.readEvent(t, datatypes.EventServiceStatus)
	var status datatypes.ServiceStatus
	require.NoError(t, env.Decode(&status))
	assert.True(t, status.AI)
}

func TestWebSocket_UserMessageRoundTrip(t *testing.T) {
	rig := newWSTestRig(t)
	rig.readEvent(t, datatypes.EventSessionCreated)

	rig.send(t, datatypes.EventUserMessage, datatypes.UserMessage{Content: "ping"})
	forwarded := rig.lastSentWithContent(t, "ping")

	// The upstream answers; the client gets a correlated ai_response.
	rig.orch.HandleUpstreamResponse(datatypes.MessageResponse{
		CorrelationID: forwarded.CorrelationID,
		Content:       "pong",
		Status:        "success",
	})

	env := rig.readEvent(t, datatypes.EventAIResponse)
	var resp datatypes.AIResponse
	require.NoError(t, env.Decode(&resp))
	assert.Equal(t, forwarded.CorrelationID, resp.CorrelationID)
	assert.Equal(t, "pong", resp.Content)
}

// lastSentWithContent waits for an upstream frame carrying the content.
func (r *wsTestRig) lastSentWithContent(t *testing.T, content string) datatypes.ProcessMessage {
	t.Helper()
	msg := r.link.lastSent(t)
	require.Equal(t, content, msg.Content)
	return msg
}

func TestWebSocket_InvalidPayloadGetsTypedError(t *testing.T) {
	rig := newWSTestRig(t)
	rig.readEvent(t, datatypes.EventSessionCreated)

	// Whitespace-only content fails validation in the handler.
	rig.send(t, datatypes.EventUserMessage, datatypes.UserMessage{Content: "   "})

	env := rig.readEvent(t, datatypes.EventAIError)
	var payload datatypes.AIError
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, datatypes.CodeInvalidInput, payload.Code)
}

func TestWebSocket_UnknownEventIgnored(t *testing.T) {
	rig := newWSTestRig(t)
	rig.readEvent(t, datatypes.EventSessionCreated)

	rig.send(t, "mystery_event", map[string]string{"x": "y"})

	// The connection survives and keeps working.
	rig.send(t, datatypes.EventUserMessage, datatypes.UserMessage{Content: "still here"})
	rig.lastSentWithContent(t, "still here")
}
