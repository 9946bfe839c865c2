// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package business implements the relay orchestrator.
//
// # Description
//
// The orchestrator is the coordination point between the four mechanical
// layers: the connection registry, the correlation tracker, the timeout
// supervisor, and the upstream gateway. It owns every decision about what a
// client sees: which messages go upstream, which are rejected locally, and
// how asynchronous results, timeouts, and availability flips are routed
// back.
//
// # Failure Envelope
//
// Every failure a client can observe leaves this package as a typed ai_error
// payload. Raw transport errors never cross the relay boundary.
//
// # Limitations
//
//   - Delivery is at-most-once. A response whose owner disconnected is
//     counted and dropped, never queued.
//   - Transcript persistence is best effort; a store failure is logged and
//     does not affect delivery.
package business

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/correlation"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/registry"
)

// Client-facing error messages. Stable strings: the frontend matches on them.
const (
	msgEmptyContent       = "Message content cannot be empty"
	msgTooManyInFlight    = "Too many messages awaiting responses, please retry shortly"
	msgServiceUnavailable = "AI service unavailable"
	msgResponseTimeout    = "AI response timeout"
	msgProcessingFailed   = "Message processing failed"
)

// storeTimeout bounds each best-effort transcript write.
const storeTimeout = 5 * time.Second

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// UpstreamLink is the slice of the upstream gateway the orchestrator needs.
type UpstreamLink interface {
	// Connected reports whether the AI service link is up.
	Connected() bool

	// Send forwards one request frame. Fails when the link is down.
	Send(msg datatypes.ProcessMessage) error
}

// TranscriptStore persists chat turns keyed by session. Implementations must
// tolerate concurrent appends to distinct sessions.
type TranscriptStore interface {
	AppendTurn(ctx context.Context, sessionID, role, content string) error
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Orchestrator
// =============================================================================

// Options configures an Orchestrator. Registry, Tracker, and Upstream are
// required; the rest may be zero.
type Options struct {
	Registry *registry.Registry
	Tracker  *correlation.Tracker
	Upstream UpstreamLink

	// Store receives transcript turns. Nil disables persistence.
	Store TranscriptStore

	// Metrics may be nil; all recording is skipped.
	Metrics *observability.RelayMetrics

	// ResponseTimeout bounds each round trip. Non-positive falls back to
	// correlation.DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// Orchestrator routes messages between clients and the upstream AI service.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. The orchestrator holds
// no mutable state of its own; every shared structure it touches does its
// own locking.
type Orchestrator struct {
	registry *registry.Registry
	tracker  *correlation.Tracker
	upstream UpstreamLink
	store    TranscriptStore
	metrics  *observability.RelayMetrics
	timeout  time.Duration
	log      *slog.Logger

	supervisor *correlation.Supervisor
}

// New creates an orchestrator and its timeout supervisor.
func New(opts Options) *Orchestrator {
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = correlation.DefaultResponseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		registry: opts.Registry,
		tracker:  opts.Tracker,
		upstream: opts.Upstream,
		store:    opts.Store,
		metrics:  opts.Metrics,
		timeout:  timeout,
		log:      logger.With("component", "orchestrator"),
	}
	o.supervisor = correlation.NewSupervisor(o.handleTimeout)
	return o
}

// Shutdown cancels all armed timers. Pending correlations are left to their
// owners' disconnect handling.
func (o *Orchestrator) Shutdown() {
	o.supervisor.Stop()
}

// =============================================================================
// Connection Lifecycle
// =============================================================================

// HandleConnect registers a new client connection and greets it with its
// session id plus a snapshot of upstream availability, so late-joining
// clients don't wait for the next flip to learn the service is down.
func (o *Orchestrator) HandleConnect(connectionID string, h registry.Handle) {
	o.registry.Register(connectionID, h)
	o.metrics.SetConnections(o.registry.Size())

	o.registry.Deliver(connectionID, datatypes.MustEnvelope(
		datatypes.EventSessionCreated,
		datatypes.SessionCreated{SessionID: connectionID},
	))
	o.registry.Deliver(connectionID, datatypes.MustEnvelope(
		datatypes.EventServiceStatus,
		datatypes.ServiceStatus{AI: o.upstream.Connected()},
	))

	o.log.Info("client connected",
		"connection_id", connectionID,
		"connections", o.registry.Size(),
	)
}

// HandleDisconnect removes a connection and discards everything it owns.
//
// Pending correlations are discarded and their timers disarmed, so a late
// upstream response or a firing timeout resolves to a no-op instead of a
// delivery attempt to a dead connection.
func (o *Orchestrator) HandleDisconnect(connectionID string) {
	o.registry.Unregister(connectionID)

	discarded := o.tracker.DiscardOwned(connectionID)
	for _, id := range discarded {
		o.supervisor.Disarm(id)
	}

	o.metrics.SetConnections(o.registry.Size())
	o.metrics.SetInFlight(o.tracker.InFlight())

	o.log.Info("client disconnected",
		"connection_id", connectionID,
		"discarded_correlations", len(discarded),
		"connections", o.registry.Size(),
	)
}

// =============================================================================
// Inbound Path
// =============================================================================

// HandleUserMessage validates and forwards one client message upstream.
//
// The happy path allocates a correlation, arms its timeout, and sends the
// request frame. Every rejection is delivered back as a typed ai_error; the
// method itself never returns an error because the websocket read loop has
// no one to hand it to.
func (o *Orchestrator) HandleUserMessage(connectionID string, msg datatypes.UserMessage) {
	if strings.TrimSpace(msg.Content) == "" {
		o.deliverError(connectionID, "", datatypes.CodeInvalidInput, msgEmptyContent)
		o.metrics.RecordOutcome(observability.OutcomeInvalid)
		return
	}

	// Checked before Begin so a down upstream doesn't burn correlation
	// capacity. Send re-checks; the race window between the two is closed
	// by the error path below.
	if !o.upstream.Connected() {
		o.deliverError(connectionID, "", datatypes.CodeServiceUnavailable, msgServiceUnavailable)
		o.metrics.RecordOutcome(observability.OutcomeUnavailable)
		return
	}

	correlationID, err := o.tracker.Begin(connectionID)
	if err != nil {
		if errors.Is(err, correlation.ErrTooManyInFlight) {
			o.deliverError(connectionID, "", datatypes.CodeTooManyInFlight, msgTooManyInFlight)
			o.metrics.RecordOutcome(observability.OutcomeTooManyInFlight)
			return
		}
		o.log.Error("begin correlation failed", "connection_id", connectionID, "error", err)
		o.deliverError(connectionID, "", datatypes.CodeInternal, msgProcessingFailed)
		return
	}
	o.metrics.SetInFlight(o.tracker.InFlight())
	o.supervisor.Arm(correlationID, o.timeout)

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = connectionID
	}

	err = o.upstream.Send(datatypes.ProcessMessage{
		CorrelationID: correlationID,
		Content:       msg.Content,
		Metadata: datatypes.MessageMetadata{
			SessionID: sessionID,
			UserID:    msg.UserID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		// Link dropped between the availability check and the write.
		o.supervisor.Disarm(correlationID)
		o.tracker.Discard(correlationID)
		o.metrics.SetInFlight(o.tracker.InFlight())

		o.deliverError(connectionID, correlationID, datatypes.CodeServiceUnavailable, msgServiceUnavailable)
		o.metrics.RecordOutcome(observability.OutcomeUnavailable)
		o.log.Warn("upstream send failed",
			"connection_id", connectionID,
			"correlation_id", correlationID,
			"error", err,
		)
		return
	}

	o.appendTranscript(connectionID, RoleUser, msg.Content)
	o.log.Debug("message forwarded upstream",
		"connection_id", connectionID,
		"correlation_id", correlationID,
	)
}

// =============================================================================
// Outbound Paths
// =============================================================================

// HandleUpstreamResponse routes one upstream reply to its owning client.
//
// Runs on the gateway read goroutine. The disarm-then-resolve order means a
// timer that already fired loses the resolve race and this call becomes a
// counted no-op, which is the required behavior for a late response.
func (o *Orchestrator) HandleUpstreamResponse(resp datatypes.MessageResponse) {
	o.supervisor.Disarm(resp.CorrelationID)

	out := o.tracker.Resolve(resp.CorrelationID)
	if !out.Live {
		o.metrics.RecordDuplicateResolution()
		o.log.Debug("response for terminal correlation dropped",
			"correlation_id", resp.CorrelationID)
		return
	}
	o.metrics.SetInFlight(o.tracker.InFlight())

	if !resp.Succeeded() {
		message := resp.Error
		if message == "" {
			message = msgProcessingFailed
		}
		o.deliverError(out.Owner, resp.CorrelationID, datatypes.CodeUpstreamError, message)
		o.metrics.RecordOutcome(observability.OutcomeUpstreamError)
		o.metrics.RecordRoundTrip(observability.OutcomeUpstreamError, out.Age.Seconds())
		return
	}

	content, formatted := datatypes.SanitizeContent(resp.Content)
	contentType := "text"
	if formatted {
		contentType = "formatted"
	}

	env := datatypes.MustEnvelope(datatypes.EventAIResponse, datatypes.AIResponse{
		CorrelationID: resp.CorrelationID,
		Content:       content,
		ContentType:   contentType,
		Status:        "success",
		Timestamp:     time.Now().UnixMilli(),
	})

	if !o.registry.Deliver(out.Owner, env) {
		o.metrics.RecordOutcome(observability.OutcomeDeliveryMiss)
		o.log.Info("response owner gone, dropped",
			"connection_id", out.Owner,
			"correlation_id", resp.CorrelationID,
		)
		return
	}

	o.metrics.RecordOutcome(observability.OutcomeDelivered)
	o.metrics.RecordRoundTrip(observability.OutcomeDelivered, out.Age.Seconds())
	o.appendTranscript(out.Owner, RoleAssistant, content)
}

// handleTimeout is the supervisor callback: the deadline for a correlation
// passed without an upstream reply.
func (o *Orchestrator) handleTimeout(correlationID string) {
	out := o.tracker.Timeout(correlationID)
	if !out.Live {
		o.metrics.RecordDuplicateResolution()
		return
	}
	o.metrics.SetInFlight(o.tracker.InFlight())

	o.deliverError(out.Owner, correlationID, datatypes.CodeUpstreamTimeout, msgResponseTimeout)
	o.metrics.RecordOutcome(observability.OutcomeTimeout)
	o.metrics.RecordRoundTrip(observability.OutcomeTimeout, out.Age.Seconds())

	o.log.Warn("upstream response timed out",
		"connection_id", out.Owner,
		"correlation_id", correlationID,
		"waited", out.Age,
	)
}

// HandleUpstreamStatus broadcasts an availability flip to every client.
func (o *Orchestrator) HandleUpstreamStatus(connected bool) {
	o.metrics.RecordUpstreamStatus(connected)

	n := o.registry.Broadcast(datatypes.MustEnvelope(
		datatypes.EventServiceStatus,
		datatypes.ServiceStatus{AI: connected},
	))

	o.log.Info("upstream availability changed",
		"connected", connected,
		"notified_clients", n,
	)
}

// =============================================================================
// Helpers
// =============================================================================

// deliverError sends a typed ai_error to one client. A miss here means the
// client already left; there is nothing further to do.
func (o *Orchestrator) deliverError(connectionID, correlationID string, code int, message string) {
	env := datatypes.MustEnvelope(datatypes.EventAIError, datatypes.AIError{
		CorrelationID: correlationID,
		Message:       message,
		Code:          code,
	})
	if !o.registry.Deliver(connectionID, env) {
		o.log.Debug("error delivery missed, client gone",
			"connection_id", connectionID,
			"code", code,
		)
	}
}

// appendTranscript persists one turn in the background. Persistence is best
// effort: failures are logged, never surfaced to the client.
func (o *Orchestrator) appendTranscript(sessionID, role, content string) {
	if o.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := o.store.AppendTurn(ctx, sessionID, role, content); err != nil {
			o.log.Warn("transcript append failed",
				"session_id", sessionID,
				"role", role,
				"error", err,
			)
		}
	}()
}
