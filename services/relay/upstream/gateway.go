// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream owns the relay's single persistent connection to the
// downstream AI inference service.
//
// # Connection State Machine
//
//	Disconnected → Connecting → Connected → Disconnected (on drop) → Connecting (auto-retry)
//
// Reconnection is bounded: after the configured attempt count is exhausted
// the gateway stays Disconnected until Redial() is called (the health
// surface exposes this). Every transition into or out of Connected is
// reported through the status callback exactly once per flip; the caller
// fans it out to all clients.
//
// # No Buffering
//
// Send while not Connected fails immediately with ErrUnavailable. There is
// deliberately no store-and-forward queue: the client gets a synthesized
// 503 and decides whether to retry.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// Defaults preserved from the original relay's socket.io client settings.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// ErrUnavailable is returned by Send while the link is not Connected.
var ErrUnavailable = errors.New("upstream AI service unavailable")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("upstream gateway closed")

// =============================================================================
// State
// =============================================================================

// State is the gateway connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name used in logs and health output.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the upstream link settings.
type Config struct {
	// URL is the websocket endpoint of the AI service,
	// e.g. "ws://127.0.0.1:5001/ws". Required.
	URL string

	// ReconnectAttempts bounds consecutive failed dials before the
	// gateway gives up until Redial. Default: 5.
	ReconnectAttempts int

	// ReconnectDelay is the fixed wait between dial attempts. Default: 3s.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the websocket handshake. Default: 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound frame write. Default: 10s.
	WriteTimeout time.Duration
}

// applyDefaults fills zero-valued fields.
func (c Config) applyDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// =============================================================================
// Gateway
// =============================================================================

// ResponseFunc receives each message_response the upstream delivers.
// It runs on the gateway read goroutine and must not block.
type ResponseFunc func(resp datatypes.MessageResponse)

// StatusFunc receives availability flips (true on Connected, false on
// drop). It runs on the gateway connect goroutine and must not block.
type StatusFunc func(connected bool)

// Gateway maintains one persistent connection to the AI service.
//
// # Thread Safety
//
// Send may be called from any goroutine; frame writes are serialized by a
// write mutex (gorilla/websocket allows a single concurrent writer).
// OnResponse/OnStatus must be set before Start.
type Gateway struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	onResponse ResponseFunc
	onStatus   StatusFunc

	state    atomic.Int32
	attempts atomic.Int32

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	statusMu      sync.Mutex
	lastAnnounced bool

	redial    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// New creates a gateway for the given config. The logger may be nil, in
// which case slog.Default() is used.
func New(cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:      logger.With("component", "upstream_gateway"),
		redial:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// OnResponse registers the response callback. Must be called before Start.
func (g *Gateway) OnResponse(fn ResponseFunc) { g.onResponse = fn }

// OnStatus registers the availability callback. Must be called before Start.
func (g *Gateway) OnStatus(fn StatusFunc) { g.onStatus = fn }

// Start launches the connect loop. It returns immediately; the loop runs
// until ctx is canceled or Close is called.
func (g *Gateway) Start(ctx context.Context) {
	go g.run(ctx)
}

// Close tears down the gateway and its connection.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		g.connMu.Lock()
		if g.conn != nil {
			g.conn.Close()
		}
		g.connMu.Unlock()
	})
	return nil
}

// Connected reports whether the link is up.
func (g *Gateway) Connected() bool {
	return State(g.state.Load()) == StateConnected
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Attempts returns the consecutive failed dial count, for health output.
func (g *Gateway) Attempts() int {
	return int(g.attempts.Load())
}

// Redial wakes a gateway that exhausted its reconnect attempts.
func (g *Gateway) Redial() {
	select {
	case g.redial <- struct{}{}:
	default:
	}
}

// Send forwards one process_message frame to the AI service.
//
// Fails with ErrUnavailable while the link is down; the caller synthesizes
// a 503 for the client rather than queueing.
func (g *Gateway) Send(msg datatypes.ProcessMessage) error {
	select {
	case <-g.done:
		return ErrClosed
	default:
	}

	g.connMu.RLock()
	conn := g.conn
	g.connMu.RUnlock()

	if conn == nil || !g.Connected() {
		return ErrUnavailable
	}

	env, err := datatypes.NewEnvelope(datatypes.EventProcessMessage, msg)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

// =============================================================================
// Connect Loop
// =============================================================================

// run dials, reads until drop, and reconnects with the configured policy.
func (g *Gateway) run(ctx context.Context) {
	defer close(g.loopDone)
	defer g.setState(StateDisconnected)

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		default:
		}

		g.setState(StateConnecting)
		conn, _, err := g.dialer.DialContext(ctx, g.cfg.URL, nil)
		if err != nil {
			g.setState(StateDisconnected)
			n := g.attempts.Add(1)
			g.log.Warn("upstream dial failed",
				"url", g.cfg.URL,
				"attempt", n,
				"max_attempts", g.cfg.ReconnectAttempts,
				"error", err,
			)

			if int(n) >= g.cfg.ReconnectAttempts {
				g.log.Error("upstream reconnect attempts exhausted, waiting for redial",
					"attempts", n)
				select {
				case <-g.redial:
					g.attempts.Store(0)
					continue
				case <-ctx.Done():
					return
				case <-g.done:
					return
				}
			}

			select {
			case <-time.After(g.cfg.ReconnectDelay):
			case <-ctx.Done():
				return
			case <-g.done:
				return
			}
			continue
		}

		g.attempts.Store(0)
		g.connMu.Lock()
		g.conn = conn
		g.connMu.Unlock()
		g.setState(StateConnected)
		g.announce(true)
		g.log.Info("connected to upstream AI service", "url", g.cfg.URL)

		g.readLoop(conn)

		g.connMu.Lock()
		g.conn = nil
		g.connMu.Unlock()
		g.setState(StateDisconnected)
		g.announce(false)
		g.log.Warn("upstream connection lost", "url", g.cfg.URL)

		select {
		case <-time.After(g.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		case <-g.done:
			return
		}
	}
}

// readLoop consumes frames until the connection drops.
//
// Responses carrying an unknown or already-terminal correlation id are the
// tracker's problem; the gateway only dispatches. Frames it cannot decode
// are logged and dropped, never fatal.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		var env datatypes.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Event {
		case datatypes.EventMessageResponse:
			var resp datatypes.MessageResponse
			if err := env.Decode(&resp); err != nil {
				g.log.Warn("undecodable message_response dropped", "error", err)
				continue
			}
			if resp.CorrelationID == "" {
				g.log.Warn("message_response without correlation id dropped")
				continue
			}
			if g.onResponse != nil {
				g.onResponse(resp)
			}
		default:
			g.log.Debug("unknown upstream event dropped", "event", env.Event)
		}
	}
}

// setState records the connection state.
func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
}

// announce reports availability flips to the status callback, deduplicated
// so repeated failed dials don't spam clients.
func (g *Gateway) announce(connected bool) {
	g.statusMu.Lock()
	flip := connected != g.lastAnnounced
	g.lastAnnounced = connected
	g.statusMu.Unlock()

	if flip && g.onStatus != nil {
		g.onStatus(connected)
	}
}
