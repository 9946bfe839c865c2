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
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultNewsCacheTTL is how long a fetched feed stays fresh. The feed
// changes on the order of hours; this mostly shields the upstream from
// per-pageview fetches.
const DefaultNewsCacheTTL = 5 * time.Minute

// newsBodyLimit caps the proxied feed body.
const newsBodyLimit = 4 * 1024 * 1024

// NewsHandler proxies the frontend's news feed through the relay so the
// browser never talks to the external feed directly (no CORS, no leaked
// client addresses). Responses are cached; a stale cache is served when the
// feed is unreachable.
type NewsHandler struct {
	feedURL string
	ttl     time.Duration
	client  *http.Client
	log     *slog.Logger

	mu        sync.Mutex
	cached    []byte
	fetchedAt time.Time
}

// NewNewsHandler creates a news proxy for the given feed URL.
// A nil client falls back to a 10-second-timeout default; a non-positive
// ttl falls back to DefaultNewsCacheTTL.
func NewNewsHandler(feedURL string, ttl time.Duration, client *http.Client, logger *slog.Logger) *NewsHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultNewsCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NewsHandler{
		feedURL: feedURL,
		ttl:     ttl,
		client:  client,
		log:     logger.With("component", "news_handler"),
	}
}

// Handle serves GET /api/news.
func (h *NewsHandler) Handle(c *gin.Context) {
	h.mu.Lock()
	fresh := h.cached != nil && time.Since(h.fetchedAt) < h.ttl
	cached := h.cached
	h.mu.Unlock()

	if fresh {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	body, err := h.fetch(c)
	if err != nil {
		h.log.Warn("news feed fetch failed", "url", h.feedURL, "error", err)
		// Stale beats nothing.
		if cached != nil {
			c.Data(http.StatusOK, "application/json", cached)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "news feed unavailable"})
		return
	}

	h.mu.Lock()
	h.cached = body
	h.fetchedAt = time.Now()
	h.mu.Unlock()

	c.Data(http.StatusOK, "application/json", body)
}

// fetch pulls the feed once, bounded by the request context and body limit.
func (h *NewsHandler) fetch(c *gin.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, h.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &feedStatusError{status: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, newsBodyLimit))
}

type feedStatusError struct {
	status int
}

func (e *feedStatusError) Error() string {
	return "feed returned status " + http.StatusText(e.status)
}
