// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for hostops.
//
// # Description
//
// Prometheus metrics cover the three places where hostops touches the
// operating system or refuses to:
//   - Whitelisted command executions (by command key and outcome)
//   - Service and supervisor control actions (by target, action, outcome)
//   - Rate limit rejections and probe failures
//
// Metrics are exposed on /metrics. Tracing exports spans over OTLP/gRPC
// when an endpoint is configured.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe to call on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "hostops"

// Outcome labels a finished operation.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeTooLarge Outcome = "too_large"
	OutcomeConflict Outcome = "conflict"
)

// Metrics holds all Prometheus collectors for hostops.
//
// # Fields
//
//   - CommandsTotal: Executions by command key and outcome
//   - CommandDurationSeconds: Wall time of each execution by command key
//   - ControlActionsTotal: Lifecycle actions by target, action and outcome
//   - RateLimitRejectionsTotal: Requests refused with 429, by policy
//   - ProbeFailuresTotal: Probes that reported unavailable, by probe
type Metrics struct {
	CommandsTotal            *prometheus.CounterVec
	CommandDurationSeconds   *prometheus.HistogramVec
	ControlActionsTotal      *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec
	ProbeFailuresTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Description
//
// Tests pass a fresh prometheus.NewRegistry() so that repeated
// construction never hits duplicate registration. The daemon passes
// prometheus.DefaultRegisterer.
//
// # Inputs
//
//   - reg: Registerer to attach collectors to.
//
// # Outputs
//
//   - *Metrics: The registered collectors.
//
// # Limitations
//
//   - Panics if the same reg already holds hostops collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "exec",
				Name:      "commands_total",
				Help:      "Whitelisted command executions by command key and outcome",
			},
			[]string{"command", "outcome"},
		),
		CommandDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "exec",
				Name:      "command_duration_seconds",
				Help:      "Wall time of whitelisted command executions",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"command"},
		),
		ControlActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "control",
				Name:      "actions_total",
				Help:      "Lifecycle actions by target, action and outcome",
			},
			[]string{"target", "action", "outcome"},
		),
		RateLimitRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Requests rejected by the rate limiter, by policy",
			},
			[]string{"policy"},
		),
		ProbeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "probes",
				Name:      "failures_total",
				Help:      "Resource probes that could not produce a reading",
			},
			[]string{"probe"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordCommand records one executor call.
func (m *Metrics) RecordCommand(command string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, string(outcome)).Inc()
	m.CommandDurationSeconds.WithLabelValues(command).Observe(elapsed.Seconds())
}

// RecordControlAction records one lifecycle action. target is a service
// name, "port-process", "supervisor" or "unknown". Callers must not pass
// request-supplied strings that were not validated.
func (m *Metrics) RecordControlAction(target, action string, outcome Outcome) {
	if m == nil {
		return
	}
	m.ControlActionsTotal.WithLabelValues(target, action, string(outcome)).Inc()
}

// RecordRateLimitRejection records one 429.
func (m *Metrics) RecordRateLimitRejection(policy string) {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(policy).Inc()
}

// RecordProbeFailure records one unavailable probe reading.
func (m *Metrics) RecordProbeFailure(probe string) {
	if m == nil {
		return
	}
	m.ProbeFailuresTotal.WithLabelValues(probe).Inc()
}
