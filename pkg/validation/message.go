// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that cross a
// trust boundary: chat message content headed for the AI service and
// websocket upgrade origins.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes caps a single chat message. Large pastes are fine; a
// megabyte of text is not a chat message.
const MaxMessageBytes = 64 * 1024

// ValidateMessageContent validates one chat message body.
//
// Valid content:
//   - non-empty after trimming whitespace
//   - at most MaxMessageBytes bytes
//   - well-formed UTF-8
//
// Returns an error describing the first violation found.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("message content exceeds %d bytes", MaxMessageBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message content is not valid UTF-8")
	}
	return nil
}
