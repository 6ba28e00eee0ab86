// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	// A second registry accepts a second set without panicking.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestMetrics_RecordCommand(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCommand("port-query", OutcomeSuccess, 20*time.Millisecond)
	m.RecordCommand("port-query", OutcomeSuccess, 30*time.Millisecond)
	m.RecordCommand("kill", OutcomeInvalid, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("port-query", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("kill", "invalid")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.CommandDurationSeconds))
}

func TestMetrics_RecordOthers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordControlAction("service", "restart", OutcomeConflict)
	m.RecordRateLimitRejection("mutating")
	m.RecordRateLimitRejection("mutating")
	m.RecordProbeFailure("cpu")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlActionsTotal.WithLabelValues("service", "restart", "conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitRejectionsTotal.WithLabelValues("mutating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeFailuresTotal.WithLabelValues("cpu")))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCommand("x", OutcomeSuccess, time.Second)
		m.RecordControlAction("service", "stop", OutcomeSuccess)
		m.RecordRateLimitRejection("polling")
		m.RecordProbeFailure("memory")
	})
}

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracingConfig{}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotPanics(t, func() { shutdown(context.Background()) })
}
