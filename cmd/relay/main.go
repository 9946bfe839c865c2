// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay starts the real-time AI message relay server.
//
// The relay accepts browser websocket connections, forwards chat messages
// to the AI inference service over a single persistent websocket, and
// routes correlated responses back to the right client.
//
// # Environment Variables
//
//   - RELAY_PORT: HTTP server port (default: 3001)
//   - AI_SERVICE_WS_URL: AI service websocket URL (default: ws://127.0.0.1:5001/ws)
//   - RELAY_RESPONSE_TIMEOUT_MS: per-message response deadline (default: 30000)
//   - RELAY_RECONNECT_ATTEMPTS: upstream dial budget before parking (default: 5)
//   - RELAY_RECONNECT_DELAY_MS: wait between upstream dials (default: 3000)
//   - RELAY_MAX_IN_FLIGHT: pending correlation cap (default: 1024)
//   - RELAY_ALLOWED_ORIGINS: comma-separated websocket origins (default: allow all)
//   - RELAY_STORE_PATH: chat history directory (default: ./data/chats, empty disables)
//   - RELAY_NEWS_FEED_URL: news feed to proxy (optional)
//   - RELAY_ENABLE_TRACING: "true" enables OTLP trace export (default: false)
//   - RELAY_LOG_LEVEL: debug, info, warn, error (default: info)
//   - RELAY_LOG_DIR: directory for JSON log files (default: stdout only)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o relay ./cmd/relay
//
//	# Run
//	./relay
//
//	# Or via container
//	podman-compose up relay
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
)

func main() {
	// Setup structured logging: JSON on stdout, optional file copy.
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("RELAY_LOG_LEVEL")),
		LogDir:  os.Getenv("RELAY_LOG_DIR"),
		Service: "relay",
	})
	if err != nil {
		// The logger still works on stdout; file output is best effort.
		logger.Warn("file logging unavailable", "error", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := relay.Config{
		Port:              getEnvInt("RELAY_PORT", 3001),
		UpstreamURL:       getEnvString("AI_SERVICE_WS_URL", "ws://127.0.0.1:5001/ws"),
		ResponseTimeout:   time.Duration(getEnvInt("RELAY_RESPONSE_TIMEOUT_MS", 30000)) * time.Millisecond,
		ReconnectAttempts: getEnvInt("RELAY_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    time.Duration(getEnvInt("RELAY_RECONNECT_DELAY_MS", 3000)) * time.Millisecond,
		MaxInFlight:       getEnvInt("RELAY_MAX_IN_FLIGHT", 1024),
		AllowedOrigins:    getEnvList("RELAY_ALLOWED_ORIGINS"),
		StorePath:         getEnvString("RELAY_STORE_PATH", "./data/chats"),
		NewsFeedURL:       os.Getenv("RELAY_NEWS_FEED_URL"),
		OTelEndpoint:      getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		EnableTracing:     getEnvBool("RELAY_ENABLE_TRACING", false),
		EnableMetrics:     true,
	}

	slog.Info("Starting relay",
		"port", cfg.Port,
		"upstream", cfg.UpstreamURL,
		"response_timeout", cfg.ResponseTimeout,
		"store_path", cfg.StorePath,
	)

	svc, err := relay.New(cfg, logger.Slog())
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	// Run blocks until SIGINT/SIGTERM or a fatal server error.
	if err := svc.Run(); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, dropping empty
// entries.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
