// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the relay service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it with the configured TokenVerifier, and stores the resulting
// Principal in the Gin context for downstream handlers.
//
// # Open Source Behavior
//
// With NopVerifier (default), every request is authenticated as "local-user".
// The relay runs on a trusted local network; real identity providers plug in
// by implementing TokenVerifier.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by a TokenVerifier for an invalid token.
var ErrUnauthorized = errors.New("unauthorized")

// principalKey is the context key for the authenticated Principal.
const principalKey = "aleutian_relay_principal"

// Principal is an authenticated caller identity.
type Principal struct {
	// UserID uniquely identifies the caller.
	UserID string

	// DisplayName is the human-readable name, if the provider has one.
	DisplayName string
}

// TokenVerifier validates bearer tokens.
//
// Implementations must be safe for concurrent use; the middleware calls
// Verify on every request.
type TokenVerifier interface {
	// Verify validates a token and returns the caller's identity.
	// Returns ErrUnauthorized for tokens that fail validation.
	Verify(ctx context.Context, token string) (Principal, error)
}

// NopVerifier accepts every request as a fixed local identity, including
// requests with no token at all.
type NopVerifier struct{}

var _ TokenVerifier = NopVerifier{}

// Verify always succeeds with the local-user identity.
func (NopVerifier) Verify(context.Context, string) (Principal, error) {
	return Principal{UserID: "local-user", DisplayName: "Local User"}, nil
}

// SetPrincipal stores the authenticated identity in the Gin context.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal retrieves the authenticated identity, or false if the
// request never passed the auth middleware.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// AuthMiddleware authenticates each request with the given verifier.
//
// A missing or malformed Authorization header yields an empty token, which
// NopVerifier accepts and real verifiers reject. Verification failures abort
// with 401; the error detail stays server-side.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		principal, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetPrincipal(c, principal)
		c.Next()
	}
}

// extractBearerToken pulls the token out of "Authorization: Bearer <token>".
// Returns "" when the header is missing or malformed. The scheme comparison
// is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
