// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the relay service configuration.
//
// Values come from environment variables in cmd/relay; everything except
// the upstream URL has a sensible default.
type Config struct {
	// Port is the HTTP server port. Default: 3001.
	Port int `validate:"gte=1,lte=65535"`

	// UpstreamURL is the websocket endpoint of the AI service. Required.
	// Example: "ws://127.0.0.1:5001/ws"
	UpstreamURL string `validate:"required"`

	// ResponseTimeout bounds each message round trip. Default: 30s.
	ResponseTimeout time.Duration

	// ReconnectAttempts bounds consecutive failed upstream dials.
	// Default: 5.
	ReconnectAttempts int

	// ReconnectDelay is the fixed wait between dials. Default: 3s.
	ReconnectDelay time.Duration

	// MaxInFlight caps pending correlations process-wide. Default: 1024.
	MaxInFlight int

	// AllowedOrigins restricts websocket upgrades. Empty permits every
	// origin (localhost deployments).
	AllowedOrigins []string

	// StorePath is the chat store directory. Empty disables persistence.
	StorePath string

	// NewsFeedURL enables the news proxy when non-empty.
	NewsFeedURL string

	// NewsCacheTTL overrides the news cache window when positive.
	NewsCacheTTL time.Duration

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317".
	OTelEndpoint string

	// EnableTracing turns on OTLP trace export. Default: off; the relay
	// is commonly run without a collector.
	EnableTracing bool

	// EnableMetrics enables the Prometheus /metrics endpoint.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty uses the GIN_MODE env var or Gin's default.
	GinMode string
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1024
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	return cfg
}

// validateConfig checks the configuration after defaults are applied.
func validateConfig(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid relay configuration: %w", err)
	}
	return nil
}
