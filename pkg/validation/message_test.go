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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessageContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain message", "How does the relay work?", false},
		{"unicode", "résumé 日本語 🙂", false},
		{"empty", "", true},
		{"whitespace only", "  \t\n ", true},
		{"at limit", strings.Repeat("a", MaxMessageBytes), false},
		{"over limit", strings.Repeat("a", MaxMessageBytes+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessageContent(tc.content)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOriginChecker_EmptyAllowListPermitsAll(t *testing.T) {
	check := NewOriginChecker(nil)

	req := httptest.NewRequest("GET", "/socket.io/", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	assert.True(t, check(req))
}

func TestOriginChecker_AllowList(t *testing.T) {
	check := NewOriginChecker([]string{"http://localhost:3000", "https://app.example.com"})

	cases := []struct {
		name   string
		origin string
		want   bool
	}{
		{"allowed exact", "http://localhost:3000", true},
		{"allowed second", "https://app.example.com", true},
		{"case insensitive", "HTTP://LOCALHOST:3000", true},
		{"wrong port", "http://localhost:9999", false},
		{"wrong scheme", "https://localhost:3000", false},
		{"not listed", "http://evil.example.com", false},
		{"garbage", "not a url", false},
		{"no origin header", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/socket.io/", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, check(req))
		})
	}
}
