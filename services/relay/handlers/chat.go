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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// ChatHandlers serves the chat history REST surface over the store.
type ChatHandlers struct {
	store store.ChatStore
	log   *slog.Logger
}

// NewChatHandlers creates the chat REST handlers. The logger may be nil.
func NewChatHandlers(s store.ChatStore, logger *slog.Logger) *ChatHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandlers{store: s, log: logger.With("component", "chat_handlers")}
}

// createChatRequest is the POST /api/chats body.
type createChatRequest struct {
	SessionID string          `json:"sessionId"`
	Messages  []store.Message `json:"messages"`
}

// updateTitleRequest is the PUT /api/chats/:id/title body.
type updateTitleRequest struct {
	Title string `json:"title" binding:"required"`
}

// List returns summaries of all stored chats, newest first.
func (h *ChatHandlers) List(c *gin.Context) {
	summaries, err := h.store.List(c.Request.Context())
	if err != nil {
		h.log.Error("list chats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": summaries})
}

// Get returns one chat with its full transcript.
func (h *ChatHandlers) Get(c *gin.Context) {
	chat, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		h.log.Error("get chat failed", "chat_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return
	}
	c.JSON(http.StatusOK, chat)
}

// Create stores a new chat from an explicit transcript. The relay writes
// transcripts itself; this exists for imports and frontend-driven saves.
func (h *ChatHandlers) Create(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	chat, err := h.store.Create(c.Request.Context(), req.SessionID, req.Messages)
	if err != nil {
		h.log.Error("create chat failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		return
	}
	c.JSON(http.StatusCreated, chat)
}

// UpdateTitle renames a chat.
func (h *ChatHandlers) UpdateTitle(c *gin.Context) {
	var req updateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	err := h.store.UpdateTitle(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		h.log.Error("update title failed", "chat_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update title"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// Delete removes a chat. Idempotent: deleting an absent chat succeeds.
func (h *ChatHandlers) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.log.Error("delete chat failed", "chat_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete chat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
