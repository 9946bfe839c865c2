// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) ChatStore {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "session-1", []Message{
		{Role: "user", Content: "Hello there", Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, chat.ID)
	assert.Equal(t, "Hello there", chat.Title)
	assert.Equal(t, "session-1", chat.SessionID)

	got, err := s.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, got.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Hello there", got.Messages[0].Content)
}

func TestStore_TitleDerivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 80)
	chat, err := s.Create(ctx, "", []Message{{Role: "user", Content: long}})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 30)+"...", chat.Title)

	empty, err := s.Create(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "New Chat", empty.Title)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-chat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "", []Message{{Role: "user", Content: "first chat"}})
	require.NoError(t, err)
	second, err := s.Create(ctx, "", []Message{{Role: "user", Content: "second chat"}})
	require.NoError(t, err)

	updated, err := s.Append(ctx, first.ID, Message{Role: "assistant", Content: "reply"})
	require.NoError(t, err)
	assert.Len(t, updated.Messages, 2)

	summaries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Newest-updated first: the append bumped the first chat ahead.
	assert.Equal(t, first.ID, summaries[0].ID)
	assert.Equal(t, 2, summaries[0].MessageCount)
	assert.Equal(t, second.ID, summaries[1].ID)

	_, err = s.Append(ctx, "no-such-chat", Message{Role: "user", Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendTurnBindsSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "session-1", "user", "question"))
	require.NoError(t, s.AppendTurn(ctx, "session-1", "assistant", "answer"))
	require.NoError(t, s.AppendTurn(ctx, "session-2", "user", "other session"))

	summaries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// session-1's two turns share one chat.
	var sessionOneChat Chat
	for _, sum := range summaries {
		chat, err := s.Get(ctx, sum.ID)
		require.NoError(t, err)
		if chat.SessionID == "session-1" {
			sessionOneChat = chat
		}
	}
	require.Len(t, sessionOneChat.Messages, 2)
	assert.Equal(t, "user", sessionOneChat.Messages[0].Role)
	assert.Equal(t, "assistant", sessionOneChat.Messages[1].Role)
}

func TestStore_UpdateTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "", []Message{{Role: "user", Content: "original"}})
	require.NoError(t, err)

	require.NoError(t, s.UpdateTitle(ctx, chat.ID, "Renamed"))
	got, err := s.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	assert.ErrorIs(t, s.UpdateTitle(ctx, "no-such-chat", "x"), ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, "", []Message{{Role: "user", Content: "doomed"}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, chat.ID))
	_, err = s.Get(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent chat is a no-op.
	assert.NoError(t, s.Delete(ctx, chat.ID))
}

func TestStore_ContextCancellation(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Create(ctx, "", nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)

	chat, err := s.Create(context.Background(), "session-1", []Message{
		{Role: "user", Content: "durable"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Messages[0].Content)
}
