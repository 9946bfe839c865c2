// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"net/http"
	"net/url"
	"strings"
)

// NewOriginChecker builds a websocket upgrade origin check.
//
// The allow-list holds origins like "http://localhost:3000". Comparison is
// case-insensitive on scheme and host. An empty allow-list permits every
// origin, which is the correct default for a relay bound to localhost;
// deployments that expose the relay set RELAY_ALLOWED_ORIGINS.
//
// Requests without an Origin header (non-browser clients) are always
// permitted.
func NewOriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	allowSet := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if key, ok := originKey(origin); ok {
			allowSet[key] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		key, ok := originKey(origin)
		if !ok {
			return false
		}
		_, permitted := allowSet[key]
		return permitted
	}
}

// originKey normalizes an origin to scheme://host for comparison.
func originKey(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
