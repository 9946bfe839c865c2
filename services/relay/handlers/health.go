// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the relay's HTTP and websocket endpoints.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/upstream"
)

// UpstreamInfo is the slice of the gateway the health surface reads.
type UpstreamInfo interface {
	State() upstream.State
	Connected() bool
	Attempts() int
	Redial()
}

// HandleHealth reports relay liveness. Always 200: the relay itself is up
// even when the upstream AI service is not.
func HandleHealth() gin.HandlerFunc {
	started := time.Now()
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"service":       "relay",
			"uptimeSeconds": int64(time.Since(started).Seconds()),
		})
	}
}

// HandleAIStatus reports the upstream link state for the frontend's
// availability indicator and for operators debugging a parked gateway.
func HandleAIStatus(info UpstreamInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connected":         info.Connected(),
			"state":             info.State().String(),
			"reconnectAttempts": info.Attempts(),
		})
	}
}

// HandleAIRedial wakes a gateway that exhausted its reconnect budget.
func HandleAIRedial(info UpstreamInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		info.Redial()
		c.JSON(http.StatusAccepted, gin.H{
			"status": "redial requested",
			"state":  info.State().String(),
		})
	}
}
