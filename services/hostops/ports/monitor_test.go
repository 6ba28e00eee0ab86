// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ports

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hostops/services/hostops/executor"
)

const (
	query3100 = "ss -H -tlnp sport = :3100"
	query8765 = "ss -H -tlnp sport = :8765"
	nodeOwner = "LISTEN 0 511 0.0.0.0:3100 0.0.0.0:* users:((\"node\",pid=1234,fd=20))"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(runner *executor.MockRunner, opts Options) *Monitor {
	opts.Logger = quietLogger()
	if opts.ResolveName == nil {
		opts.ResolveName = func(context.Context, int) (string, error) {
			return "", errors.New("no such process")
		}
	}
	exec := executor.New(runner, executor.Options{Logger: opts.Logger})
	return NewMonitor(exec, opts)
}

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Owner
	}{
		{"full", nodeOwner, Owner{PID: 1234, Name: "node"}},
		{"no users column", "LISTEN 0 511 0.0.0.0:3100 0.0.0.0:*", Owner{}},
		{"pid only", "LISTEN 0 511 *:3100 *:* users:((pid=77,fd=3))", Owner{PID: 77}},
		{"multiple owners takes first", `users:(("nginx",pid=10,fd=6),("nginx",pid=11,fd=6))`, Owner{PID: 10, Name: "nginx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseOwner(tt.in))
		})
	}
}

func TestStatus_Listening(t *testing.T) {
	m := newTestMonitor(&executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100: {Stdout: []byte(nodeOwner + "\n")},
	}}, Options{})

	st, err := m.Status(context.Background(), 3100)
	require.NoError(t, err)
	assert.Equal(t, StateListening, st.Status)
	assert.Equal(t, "App Server", st.Service)
	assert.Equal(t, CategoryApplication, st.Category)
	require.NotNil(t, st.PID)
	assert.Equal(t, 1234, *st.PID)
	require.NotNil(t, st.ProcessName)
	assert.Equal(t, "node", *st.ProcessName)
}

func TestStatus_Closed(t *testing.T) {
	m := newTestMonitor(&executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100: {},
	}}, Options{})

	st, err := m.Status(context.Background(), 3100)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.Status)
	assert.Nil(t, st.PID)
	assert.Nil(t, st.ProcessName)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":3100,"service":"App Server","category":"application","status":"closed","pid":null,"processName":null}`, string(data))
}

func TestStatus_NameResolvedWhenHidden(t *testing.T) {
	var asked int
	m := newTestMonitor(&executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100: {Stdout: []byte("LISTEN 0 511 *:3100 *:* users:((pid=1234,fd=3))")},
	}}, Options{ResolveName: func(_ context.Context, pid int) (string, error) {
		asked = pid
		return "next-server", nil
	}})

	st, err := m.Status(context.Background(), 3100)
	require.NoError(t, err)
	assert.Equal(t, 1234, asked)
	require.NotNil(t, st.ProcessName)
	assert.Equal(t, "next-server", *st.ProcessName)
}

func TestStatus_InvalidPortSpawnsNothing(t *testing.T) {
	runner := &executor.MockRunner{}
	m := newTestMonitor(runner, Options{})

	for _, port := range []int{0, -1, 65536} {
		_, err := m.Status(context.Background(), port)
		assert.ErrorIs(t, err, executor.ErrInvalidParameter, "port %d", port)
	}
	assert.Zero(t, runner.CallCount())
}

func TestSnapshot_KeepsCatalogueOrder(t *testing.T) {
	catalogue := []MonitoredPort{
		{Port: 3100, Service: "App Server", Category: CategoryApplication},
		{Port: 8765, Service: "Aux Tool", Category: CategoryTool},
		{Port: 9999, Service: "Broken", Category: CategoryTool},
	}
	m := newTestMonitor(&executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100: {Stdout: []byte(nodeOwner)},
		query8765: {},
	}}, Options{Catalogue: catalogue})

	snap := m.Snapshot(context.Background())
	require.Len(t, snap, 3)
	assert.Equal(t, 3100, snap[0].Port)
	assert.Equal(t, StateListening, snap[0].Status)
	assert.Equal(t, 8765, snap[1].Port)
	assert.Equal(t, StateClosed, snap[1].Status)
	assert.Equal(t, "Broken", snap[2].Service)
	assert.Equal(t, StateClosed, snap[2].Status, "failed query reports closed")
}

func TestDefaultCatalogue(t *testing.T) {
	m := newTestMonitor(&executor.MockRunner{}, Options{})
	ports := make([]int, 0)
	for _, mp := range m.Catalogue() {
		ports = append(ports, mp.Port)
	}
	assert.Equal(t, []int{3100, 54321, 54322, 54323, 8765}, ports)
}

func TestTerminateOwner(t *testing.T) {
	runner := &executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100:         {Stdout: []byte(nodeOwner)},
		"kill -TERM 1234": {},
	}}
	m := newTestMonitor(runner, Options{})

	res, err := m.TerminateOwner(context.Background(), 3100, false)
	require.NoError(t, err)
	assert.Equal(t, Termination{Port: 3100, PID: 1234, Terminated: true}, res)

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "kill -TERM 1234", calls[1].Line())
}

func TestTerminateOwner_Force(t *testing.T) {
	runner := &executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100:         {Stdout: []byte(nodeOwner)},
		"kill -KILL 1234": {},
	}}
	res, err := newTestMonitor(runner, Options{}).TerminateOwner(context.Background(), 3100, true)
	require.NoError(t, err)
	assert.True(t, res.Terminated)
}

func TestTerminateOwner_NoOwnerIsIdempotent(t *testing.T) {
	runner := &executor.MockRunner{Responses: map[string]executor.RunResult{query3100: {}}}
	res, err := newTestMonitor(runner, Options{}).TerminateOwner(context.Background(), 3100, false)
	require.NoError(t, err)
	assert.False(t, res.Terminated)
	assert.Equal(t, 1, runner.CallCount(), "only the port query ran")
}

func TestTerminateOwner_KillFailure(t *testing.T) {
	runner := &executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100:         {Stdout: []byte(nodeOwner)},
		"kill -TERM 1234": {ExitCode: 1, Stderr: []byte("kill: (1234) - Operation not permitted")},
	}}
	res, err := newTestMonitor(runner, Options{}).TerminateOwner(context.Background(), 3100, false)
	assert.ErrorIs(t, err, executor.ErrExecutionFailed)
	assert.False(t, res.Terminated)
	assert.Equal(t, 1234, res.PID)
}

func TestTerminateOwner_HiddenOwner(t *testing.T) {
	runner := &executor.MockRunner{Responses: map[string]executor.RunResult{
		query3100: {Stdout: []byte("LISTEN 0 511 *:3100 *:*")},
	}}
	_, err := newTestMonitor(runner, Options{}).TerminateOwner(context.Background(), 3100, false)
	assert.Error(t, err)
}

func TestAwaitListening(t *testing.T) {
	var polls atomic.Int32
	runner := &executor.MockRunner{RunFunc: func(context.Context, executor.RunRequest) (executor.RunResult, error) {
		if polls.Add(1) < 3 {
			return executor.RunResult{}, nil
		}
		return executor.RunResult{Stdout: []byte(nodeOwner)}, nil
	}}
	m := newTestMonitor(runner, Options{PollInterval: time.Millisecond})

	require.NoError(t, m.AwaitListening(context.Background(), 3100, time.Second))
	assert.Equal(t, int32(3), polls.Load())
}

func TestAwaitListening_Timeout(t *testing.T) {
	runner := &executor.MockRunner{Responses: map[string]executor.RunResult{query3100: {}}}
	m := newTestMonitor(runner, Options{PollInterval: 5 * time.Millisecond})

	err := m.AwaitListening(context.Background(), 3100, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestAwaitListening_InvalidPortFailsFast(t *testing.T) {
	runner := &executor.MockRunner{}
	m := newTestMonitor(runner, Options{PollInterval: time.Millisecond})

	err := m.AwaitListening(context.Background(), 70000, time.Second)
	assert.ErrorIs(t, err, executor.ErrInvalidParameter)
	assert.Zero(t, runner.CallCount())
}
