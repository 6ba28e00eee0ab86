// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/observability"
)

const (
	psqlLine = "psql -w -h 127.0.0.1 -p 54322 -U postgres -tAc SELECT version();"
	psLine   = "ps -eo pid,pcpu,pmem,args --no-headers"
)

func healthyHost() map[string]executor.RunResult {
	return map[string]executor.RunResult{
		"top -bn1":       {Stdout: []byte(topModern)},
		"nproc":          {Stdout: []byte("16\n")},
		"lscpu":          {Stdout: []byte("Model name:   Test CPU 9000\n")},
		"free -m":        {Stdout: []byte(freeOutput)},
		"df -P -h /":     {Stdout: []byte(dfOutput)},
		"uptime":         {Stdout: []byte("10:00 up 1 day, load average: 0.10, 0.20, 0.30")},
		"uptime -p":      {Stdout: []byte("up 1 day, 2 hours\n")},
		"uname -s -m":    {Stdout: []byte("Linux x86_64\n")},
		"node --version": {Stdout: []byte("v20.11.0\n")},
		"npm --version":  {Stdout: []byte("10.2.4\n")},
		"ss -tuln":       {Stdout: []byte("tcp LISTEN 0 511 0.0.0.0:3100 0.0.0.0:*\n")},
		psqlLine:         {Stdout: []byte("PostgreSQL 15.1 on x86_64-pc-linux-gnu\n")},
		psLine:           {Stdout: []byte(" 4242 1.0 2.0 node server.js\n 10 0.0 0.0 sshd\n")},
	}
}

func newTestProber(responses map[string]executor.RunResult, metrics *observability.Metrics) *Prober {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(&executor.MockRunner{Responses: responses}, executor.Options{Logger: logger})
	p := NewProber(exec, Options{Logger: logger, Metrics: metrics})
	p.hostname = func() (string, error) { return "devbox", nil }
	return p
}

func TestSnapshot_HealthyHost(t *testing.T) {
	s := newTestProber(healthyHost(), nil).Snapshot(context.Background())

	assert.True(t, s.CPU.OK())
	assert.InDelta(t, 3.1, s.CPU.UsagePercent, 0.001)
	assert.Equal(t, 16, s.CPU.Cores)
	assert.Equal(t, "Test CPU 9000", s.CPU.Model)

	assert.True(t, s.Memory.OK())
	assert.Equal(t, 15876, s.Memory.TotalMB)

	assert.True(t, s.Disk.OK())
	assert.Equal(t, 46.0, s.Disk.Percentage)

	assert.True(t, s.Load.OK())
	assert.Equal(t, 0.3, s.Load.Fifteen)

	assert.True(t, s.Network.OK())
	assert.Equal(t, 1, s.Network.ListeningSockets)

	assert.True(t, s.System.OK())
	assert.Equal(t, "devbox", s.System.Hostname)
	assert.Equal(t, "Linux", s.System.Platform)
	assert.Equal(t, "x86_64", s.System.Arch)
	assert.Equal(t, "v20.11.0", s.System.NodeVersion)

	assert.True(t, s.Database.OK())
	assert.Equal(t, DatabaseRunning, s.Database.State)
	assert.Equal(t, "PostgreSQL 15.1 on x86_64-pc-linux-gnu", s.Database.Version)
	assert.Equal(t, 54322, s.Database.Port)
}

func TestProbes_FailuresAreExplicit(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := newTestProber(map[string]executor.RunResult{
		"top -bn1": {Stdout: []byte("unexpected format")},
		"free -m":  {ExitCode: 1, Stderr: []byte("free: failed")},
	}, metrics)

	cpu := p.CPU(context.Background())
	assert.False(t, cpu.OK())
	assert.Equal(t, StatusUnavailable, cpu.Status)
	assert.Equal(t, 0.0, cpu.UsagePercent)
	assert.NotEmpty(t, cpu.Error)

	mem := p.Memory(context.Background())
	assert.False(t, mem.OK())
	assert.Contains(t, mem.Error, "free: failed")

	disk := p.Disk(context.Background())
	assert.False(t, disk.OK(), "missing df binary is unavailable, not 0%")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProbeFailuresTotal.WithLabelValues("cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProbeFailuresTotal.WithLabelValues("memory")))
}

func TestDatabase_StoppedIsNotUnavailable(t *testing.T) {
	p := newTestProber(map[string]executor.RunResult{
		psqlLine: {ExitCode: 2, Stderr: []byte("could not connect to server")},
	}, nil)

	db := p.Database(context.Background())
	assert.True(t, db.OK())
	assert.Equal(t, DatabaseStopped, db.State)
	assert.Empty(t, db.Version)
}

func TestDatabase_MissingClientIsUnavailable(t *testing.T) {
	db := newTestProber(map[string]executor.RunResult{}, nil).Database(context.Background())
	assert.False(t, db.OK())
	assert.Empty(t, db.State)
}

func TestProcesses(t *testing.T) {
	p := newTestProber(healthyHost(), nil)

	procs, err := p.Processes(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 4242, procs[0].PID)

	procs, err = p.Processes(context.Background(), "sshd")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 10, procs[0].PID)

	procs, err = p.Processes(context.Background(), "nothing-matches")
	require.NoError(t, err)
	assert.NotNil(t, procs)
	assert.Empty(t, procs)
}

func TestProcesses_ExecutionFailure(t *testing.T) {
	_, err := newTestProber(map[string]executor.RunResult{}, nil).Processes(context.Background(), "")
	assert.ErrorIs(t, err, executor.ErrExecutionFailed)
}

func TestReading_JSONShape(t *testing.T) {
	data, err := json.Marshal(CPU{Reading: unavailable(assert.AnError), Cores: 4})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "unavailable", got["status"])
	assert.Equal(t, assert.AnError.Error(), got["error"])
	assert.Equal(t, 0.0, got["usage"])
	assert.Equal(t, 4.0, got["cores"])
}
