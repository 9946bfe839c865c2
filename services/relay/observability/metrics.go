// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Metrics cover the full life of a relayed message:
//   - message counters by outcome (delivered, invalid, unavailable,
//     timeout, upstream_error, too_many_in_flight)
//   - in-flight correlation gauge
//   - round-trip latency histogram
//   - client connection gauge
//   - upstream link state gauge and reconnect counter
//   - delivery misses and duplicate resolutions (the two benign races)
//
// Exposed via the /metrics endpoint. All helper methods are safe on a nil
// receiver so components can run unmetered in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "aleutian"

// Subsystem for relay metrics.
const relaySubsystem = "relay"

// Outcome labels a terminal message state.
type Outcome string

const (
	OutcomeDelivered       Outcome = "delivered"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeUnavailable     Outcome = "unavailable"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeUpstreamError   Outcome = "upstream_error"
	OutcomeTooManyInFlight Outcome = "too_many_in_flight"
	OutcomeDeliveryMiss    Outcome = "delivery_miss"
)

// RelayMetrics holds all Prometheus metrics for the relay.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type RelayMetrics struct {
	// MessagesTotal counts terminal message outcomes.
	// Labels: outcome (see Outcome constants)
	MessagesTotal *prometheus.CounterVec

	// InFlightCorrelations tracks pending correlations.
	InFlightCorrelations prometheus.Gauge

	// RoundTripSeconds measures submit-to-delivery latency.
	// Labels: outcome (delivered, timeout, upstream_error)
	RoundTripSeconds *prometheus.HistogramVec

	// ActiveConnections tracks registered client connections.
	ActiveConnections prometheus.Gauge

	// UpstreamConnected is 1 while the AI service link is up.
	UpstreamConnected prometheus.Gauge

	// UpstreamReconnectsTotal counts availability flips to connected.
	UpstreamReconnectsTotal prometheus.Counter

	// DuplicateResolutionsTotal counts response/timeout races where the
	// second arrival was dropped. Expected to be small but nonzero.
	DuplicateResolutionsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *RelayMetrics

// InitMetrics registers and returns the default metrics instance.
//
// Call once at startup. Panics on double registration, matching promauto
// semantics.
func InitMetrics() *RelayMetrics {
	DefaultMetrics = &RelayMetrics{
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "messages_total",
				Help:      "Terminal message outcomes by type",
			},
			[]string{"outcome"},
		),

		InFlightCorrelations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "in_flight_correlations",
				Help:      "Correlations currently awaiting an upstream response",
			},
		),

		RoundTripSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "round_trip_seconds",
				Help:      "Submit-to-delivery latency per message",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_connections",
				Help:      "Registered client websocket connections",
			},
		),

		UpstreamConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "upstream_connected",
				Help:      "1 while the upstream AI service link is connected",
			},
		),

		UpstreamReconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "upstream_reconnects_total",
				Help:      "Availability flips into the connected state",
			},
		),

		DuplicateResolutionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "duplicate_resolutions_total",
				Help:      "Response/timeout races where the loser was dropped",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordOutcome records a terminal message outcome. Safe on nil receiver.
func (m *RelayMetrics) RecordOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordRoundTrip records submit-to-delivery latency. Safe on nil receiver.
func (m *RelayMetrics) RecordRoundTrip(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.RoundTripSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// SetInFlight updates the pending-correlation gauge. Safe on nil receiver.
func (m *RelayMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlightCorrelations.Set(float64(n))
}

// SetConnections updates the client connection gauge. Safe on nil receiver.
func (m *RelayMetrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// RecordUpstreamStatus records an availability flip. Safe on nil receiver.
func (m *RelayMetrics) RecordUpstreamStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.UpstreamConnected.Set(1)
		m.UpstreamReconnectsTotal.Inc()
	} else {
		m.UpstreamConnected.Set(0)
	}
}

// RecordDuplicateResolution counts a dropped race loser. Safe on nil receiver.
func (m *RelayMetrics) RecordDuplicateResolution() {
	if m == nil {
		return
	}
	m.DuplicateResolutionsTotal.Inc()
}
