// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat transcripts in embedded local storage.
//
// Chats are retained for a bounded window (90 days by default) and expire
// automatically; the relay carries no server-side account model, so a chat's
// only owner is the session that produced it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a chat id does not exist or has expired.
var ErrNotFound = errors.New("chat not found")

// DefaultRetention is how long chats are kept before automatic expiry.
const DefaultRetention = 90 * 24 * time.Hour

// titleLimit is the maximum derived-title length before truncation.
const titleLimit = 30

// Message is one transcript turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is a stored conversation.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SessionID string    `json:"sessionId,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the list-view projection of a chat, without its messages.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChatStore is the persistence contract for chat transcripts.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
type ChatStore interface {
	// Create stores a new chat. The title is derived from the first
	// message when empty.
	Create(ctx context.Context, sessionID string, messages []Message) (Chat, error)

	// Get returns a chat by id. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, id string) (Chat, error)

	// List returns summaries of all stored chats, newest first.
	List(ctx context.Context) ([]Summary, error)

	// Append adds one message to an existing chat and refreshes its
	// retention window. Returns ErrNotFound if the chat is gone.
	Append(ctx context.Context, id string, msg Message) (Chat, error)

	// AppendTurn adds a turn to the chat bound to a session, creating the
	// chat on first use. This is the relay's write path.
	AppendTurn(ctx context.Context, sessionID, role, content string) error

	// UpdateTitle renames a chat.
	UpdateTitle(ctx context.Context, id, title string) error

	// Delete removes a chat. Deleting an absent chat is a no-op.
	Delete(ctx context.Context, id string) error

	// Close releases the underlying database.
	Close() error
}

// deriveTitle builds a chat title from its first message content.
func deriveTitle(content string) string {
	if content == "" {
		return "New Chat"
	}
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}
