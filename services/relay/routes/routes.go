// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/services/relay/business"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// Options carries everything the route table wires together.
type Options struct {
	Orchestrator *business.Orchestrator
	Upstream     handlers.UpstreamInfo
	Store        store.ChatStore
	Verifier     middleware.TokenVerifier

	// CheckOrigin guards websocket upgrades. Nil permits every origin.
	CheckOrigin func(r *http.Request) bool

	// NewsFeedURL enables the news proxy when non-empty.
	NewsFeedURL string

	// NewsCacheTTL overrides the proxy cache window when positive.
	NewsCacheTTL time.Duration

	Logger *slog.Logger
}

// SetupRoutes registers the relay's complete HTTP surface.
func SetupRoutes(router *gin.Engine, opts Options) {
	verifier := opts.Verifier
	if verifier == nil {
		verifier = middleware.NopVerifier{}
	}

	router.GET("/api/health", handlers.HandleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket endpoint keeps the socket.io path the frontend already
	// uses, so the client only swaps transports.
	router.GET("/socket.io/", handlers.HandleRelayWebSocket(opts.Orchestrator, opts.CheckOrigin, opts.Logger))

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(verifier))
	{
		api.GET("/system/ai-status", handlers.HandleAIStatus(opts.Upstream))
		api.POST("/system/ai-status/redial", handlers.HandleAIRedial(opts.Upstream))

		if opts.Store != nil {
			chat := handlers.NewChatHandlers(opts.Store, opts.Logger)
			chats := api.Group("/chats")
			{
				chats.GET("", chat.List)
				chats.POST("", chat.Create)
				chats.GET("/:id", chat.Get)
				chats.PUT("/:id/title", chat.UpdateTitle)
				chats.DELETE("/:id", chat.Delete)
			}
		}

		if opts.NewsFeedURL != "" {
			news := handlers.NewNewsHandler(opts.NewsFeedURL, opts.NewsCacheTTL, nil, opts.Logger)
			api.GET("/news", news.Handle)
		}
	}
}
