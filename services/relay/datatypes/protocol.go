// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire protocol spoken by the relay service.
//
// Two duplex channels exist: the client-facing websocket and the upstream
// AI-service websocket. Every frame on either channel is an Envelope whose
// Event field names the payload type carried in Data.
//
// # Client-facing events
//
//   - user_message     (client → relay)
//   - session_created  (relay → client, once on connect)
//   - ai_response      (relay → client)
//   - ai_error         (relay → client)
//   - service_status   (relay → client, broadcast on availability flips)
//
// # Upstream events
//
//   - process_message  (relay → upstream)
//   - message_response (upstream → relay)
//
// Upstream field names use snake_case (correlation_id) because the AI service
// defines that contract; client-facing payloads use camelCase to match the
// frontend.
package datatypes

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// =============================================================================
// Event Names
// =============================================================================

const (
	// EventUserMessage is an inbound chat message from a client.
	EventUserMessage = "user_message"

	// EventSessionCreated is sent to a client immediately after connect.
	EventSessionCreated = "session_created"

	// EventAIResponse carries a successful AI reply to a client.
	EventAIResponse = "ai_response"

	// EventAIError carries a typed failure to a client. Failures never
	// cross the relay boundary as anything other than this payload.
	EventAIError = "ai_error"

	// EventServiceStatus is broadcast to all clients when the upstream
	// availability flag flips.
	EventServiceStatus = "service_status"

	// EventProcessMessage is the relay's request frame to the upstream
	// AI service.
	EventProcessMessage = "process_message"

	// EventMessageResponse is the upstream AI service's reply frame.
	EventMessageResponse = "message_response"
)

// =============================================================================
// Error Codes
// =============================================================================

// Error codes delivered in AIError payloads. HTTP-flavored so the frontend
// can reuse its existing status handling.
const (
	// CodeInvalidInput rejects empty or malformed client messages.
	// Recovered locally; no upstream call is made.
	CodeInvalidInput = 400

	// CodeTooManyInFlight rejects a message when the pending-correlation
	// cap is reached.
	CodeTooManyInFlight = 429

	// CodeInternal reports an unexpected relay-side failure.
	CodeInternal = 500

	// CodeUpstreamError forwards an explicit upstream failure.
	CodeUpstreamError = 502

	// CodeServiceUnavailable reports the upstream link down at submission
	// time. No correlation is created.
	CodeServiceUnavailable = 503

	// CodeUpstreamTimeout reports no upstream response within the deadline.
	CodeUpstreamTimeout = 504
)

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the outer frame for every websocket message.
//
// Data is kept raw so the reader can dispatch on Event before committing to
// a payload type. Unknown events are logged and dropped by the reader, never
// treated as errors.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload in an Envelope for the given event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
// (our own structs). Panics on error; use only with in-package types.
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// =============================================================================
// Client-Facing Payloads
// =============================================================================

// UserMessage is the inbound chat message from a client.
type UserMessage struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// SessionCreated announces the server-assigned session identifier.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

// AIResponse is a successful AI reply correlated back to the client.
type AIResponse struct {
	CorrelationID string `json:"correlationId"`
	Content       string `json:"content"`
	ContentType   string `json:"contentType"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
}

// AIError is a typed failure payload delivered on the same channel as
// successful responses.
type AIError struct {
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
}

// ServiceStatus is the availability broadcast. AI is true while the upstream
// link is connected.
type ServiceStatus struct {
	AI bool `json:"ai"`
}

// =============================================================================
// Upstream Payloads
// =============================================================================

// MessageMetadata travels with each upstream request.
type MessageMetadata struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ProcessMessage is the relay's request to the upstream AI service.
type ProcessMessage struct {
	CorrelationID string          `json:"correlation_id"`
	Content       string          `json:"content"`
	Metadata      MessageMetadata `json:"metadata"`
}

// MessageResponse is the upstream AI service's reply.
//
// Status is "success" or "error"; Error carries the upstream failure message
// when Status is "error".
type MessageResponse struct {
	CorrelationID string `json:"correlation_id"`
	Content       string `json:"content"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// Succeeded reports whether the upstream marked the response successful.
// An empty status is treated as success, matching the upstream's older
// revisions that omitted the field.
func (r MessageResponse) Succeeded() bool {
	return r.Status == "" || r.Status == "success"
}

// =============================================================================
// Content Sanitization
// =============================================================================

// ansiPattern matches ANSI SGR escape sequences that the upstream model
// occasionally emits when it formats terminal output.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// SanitizeContent strips ANSI escape sequences from upstream content.
//
// Returns the cleaned string and true if anything was removed, in which case
// the caller should mark the response contentType "formatted".
func SanitizeContent(content string) (string, bool) {
	if !ansiPattern.MatchString(content) {
		return content, false
	}
	return ansiPattern.ReplaceAllString(content, ""), true
}
