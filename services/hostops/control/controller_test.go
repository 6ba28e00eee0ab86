// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ports"
)

const (
	ownerOn3100 = `LISTEN 0 511 0.0.0.0:3100 0.0.0.0:* users:(("node",pid=1234,fd=20))`
	query3100   = "ss -H -tlnp sport = :3100"
	query8765   = "ss -H -tlnp sport = :8765"
)

type harness struct {
	runner  *executor.MockRunner
	ctl     *Controller
	audit   *extensions.MemoryAuditLogger
	metrics *observability.Metrics
}

func newHarness(t *testing.T, responses map[string]executor.RunResult) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &executor.MockRunner{Responses: responses}
	exec := executor.New(runner, executor.Options{Logger: logger})
	mon := ports.NewMonitor(exec, ports.Options{
		Logger:       logger,
		PollInterval: time.Millisecond,
		ResolveName:  func(context.Context, int) (string, error) { return "", errors.New("unused") },
	})
	audit := &extensions.MemoryAuditLogger{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ctl, err := New(exec, mon, Config{
		SettleDelay: -1,
		Logger:      logger,
		Metrics:     metrics,
		Audit:       audit,
	})
	require.NoError(t, err)
	return &harness{runner: runner, ctl: ctl, audit: audit, metrics: metrics}
}

func lines(calls []executor.RunnerCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Method+" "+c.Line())
	}
	return out
}

// =============================================================================
// Rejections
// =============================================================================

func TestControl_UnknownServiceRunsNothing(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ctl.Control(context.Background(), "mail-server", "restart", Options{})
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.Zero(t, h.runner.CallCount())
}

func TestControl_UnknownActionRunsNothing(t *testing.T) {
	h := newHarness(t, nil)
	for _, action := range []string{"", "reload", "STOP", "kill"} {
		_, err := h.ctl.Control(context.Background(), "app-server", action, Options{})
		assert.ErrorIs(t, err, ErrUnknownAction, "action %q", action)
	}
	assert.Zero(t, h.runner.CallCount())
}

func TestControl_PortProcessRejections(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.ctl.Control(context.Background(), PortProcess, "stop", Options{})
	assert.ErrorIs(t, err, ErrMissingPort)

	_, err = h.ctl.Control(context.Background(), PortProcess, "start", Options{Port: 3100})
	assert.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = h.ctl.Control(context.Background(), PortProcess, "stop", Options{Port: 70000})
	assert.ErrorIs(t, err, executor.ErrInvalidParameter)

	assert.Zero(t, h.runner.CallCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.ControlActionsTotal.WithLabelValues(PortProcess, "stop", string(observability.OutcomeInvalid)))+
		testutil.ToFloat64(h.metrics.ControlActionsTotal.WithLabelValues(PortProcess, "start", string(observability.OutcomeInvalid))))
}

// =============================================================================
// Signal-based services
// =============================================================================

func TestControl_PortProcessStop(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		query3100:         {Stdout: []byte(ownerOn3100)},
		"kill -TERM 1234": {},
	})

	res, err := h.ctl.Control(context.Background(), PortProcess, "stop", Options{Port: 3100})
	require.NoError(t, err)
	assert.Equal(t, "Process on port 3100 stop", res.Message)
	assert.Equal(t, 1234, res.Data["pid"])
	assert.Equal(t, true, res.Data["terminated"])
	assert.Equal(t, []string{"Run " + query3100, "Run kill -TERM 1234"}, lines(h.runner.Calls()))
}

func TestControl_PortProcessForce(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		query3100:         {Stdout: []byte(ownerOn3100)},
		"kill -KILL 1234": {},
	})
	_, err := h.ctl.Control(context.Background(), PortProcess, "restart", Options{Port: 3100, Force: true})
	require.NoError(t, err)
	assert.Contains(t, lines(h.runner.Calls()), "Run kill -KILL 1234")
}

func TestControl_StopAlreadyStopped(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{query3100: {}})

	res, err := h.ctl.Control(context.Background(), "app-server", "stop", Options{})
	require.NoError(t, err)
	assert.Equal(t, "App server already stopped", res.Message)
	assert.Equal(t, false, res.Data["terminated"])
	assert.Equal(t, 1, h.runner.CallCount(), "no kill issued")
}

func TestControl_StopRunning(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		query3100:         {Stdout: []byte(ownerOn3100)},
		"kill -TERM 1234": {},
	})
	res, err := h.ctl.Control(context.Background(), "app-server", "stop", Options{})
	require.NoError(t, err)
	assert.Equal(t, "App server stopped", res.Message)
}

func TestControl_StartLaunchesDetached(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.ctl.Control(context.Background(), "app-server", "start", Options{})
	require.NoError(t, err)
	assert.Equal(t, "App server starting...", res.Message)
	assert.Equal(t, 4242, res.Data["pid"])

	calls := h.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Start", calls[0].Method)
	assert.Equal(t, "npm run dev", calls[0].Line())
	assert.Equal(t, "/srv/app", calls[0].Dir)
}

func TestControl_RestartStopsBeforeStart(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		query3100:         {Stdout: []byte(ownerOn3100)},
		"kill -TERM 1234": {},
	})

	res, err := h.ctl.Control(context.Background(), "app-server", "restart", Options{})
	require.NoError(t, err)
	assert.Equal(t, "App server restarting...", res.Message)
	assert.Equal(t, []string{
		"Run " + query3100,
		"Run kill -TERM 1234",
		"Start npm run dev",
	}, lines(h.runner.Calls()))
}

func TestControl_RestartStopFailureSkipsStart(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		query3100:         {Stdout: []byte(ownerOn3100)},
		"kill -TERM 1234": {ExitCode: 1, Stderr: []byte("Operation not permitted")},
	})

	_, err := h.ctl.Control(context.Background(), "app-server", "restart", Options{})
	assert.ErrorIs(t, err, executor.ErrExecutionFailed)
	assert.Contains(t, err.Error(), "restart app-server")
	for _, c := range h.runner.Calls() {
		assert.NotEqual(t, "Start", c.Method)
	}
}

// =============================================================================
// Delegated services
// =============================================================================

func TestControl_ComposeActions(t *testing.T) {
	tests := []struct {
		action string
		line   string
		msg    string
	}{
		{"start", "docker compose -p database-stack up -d", "Database stack starting..."},
		{"stop", "docker compose -p database-stack down", "Database stack stopped"},
		{"restart", "docker compose -p database-stack restart", "Database stack restarting..."},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			h := newHarness(t, map[string]executor.RunResult{tt.line: {}})
			res, err := h.ctl.Control(context.Background(), "database-stack", tt.action, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.msg, res.Message)

			calls := h.runner.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.line, calls[0].Line())
			assert.Equal(t, "/srv/database-stack", calls[0].Dir)
		})
	}
}

func TestControl_DeployScriptRestart(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{"./scripts/deploy": {Stdout: []byte("deployed\n")}})

	res, err := h.ctl.Control(context.Background(), "aux-tool", "restart", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Aux tool restarting...", res.Message)
	assert.Equal(t, "deployed", res.Data["output"])
	assert.Equal(t, "/srv/aux-tool", h.runner.Calls()[0].Dir)
}

func TestControl_ExecutionFailureIsWrapped(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		"docker compose -p database-stack restart": {ExitCode: 1, Stderr: []byte("no such project")},
	})

	_, err := h.ctl.Control(context.Background(), "database-stack", "restart", Options{UserID: "ops"})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrExecutionFailed)
	assert.Contains(t, err.Error(), "restart database-stack")
	assert.Contains(t, err.Error(), "no such project")

	events := h.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, extensions.OutcomeFailure, events[0].Outcome)
	assert.Equal(t, "ops", events[0].UserID)
	assert.Equal(t, "database-stack", events[0].ResourceID)
}

// =============================================================================
// Per-service guard
// =============================================================================

// blockingRunner holds compose commands until release is closed.
func blockingRunner(entered chan<- struct{}, release <-chan struct{}) func(context.Context, executor.RunRequest) (executor.RunResult, error) {
	var once sync.Once
	return func(ctx context.Context, req executor.RunRequest) (executor.RunResult, error) {
		if req.Name == "docker" {
			once.Do(func() { close(entered) })
			select {
			case <-release:
			case <-ctx.Done():
				return executor.RunResult{}, ctx.Err()
			}
		}
		return executor.RunResult{}, nil
	}
}

func TestControl_DifferentActionConflicts(t *testing.T) {
	h := newHarness(t, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	h.runner.RunFunc = blockingRunner(entered, release)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctl.Control(context.Background(), "database-stack", "restart", Options{})
		done <- err
	}()
	<-entered

	_, err := h.ctl.Control(context.Background(), "database-stack", "stop", Options{})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = h.ctl.Control(context.Background(), "app-server", "start", Options{})
	assert.NoError(t, err, "other services are not blocked")

	close(release)
	require.NoError(t, <-done)

	_, err = h.ctl.Control(context.Background(), "database-stack", "stop", Options{})
	assert.NoError(t, err, "guard is released after completion")
}

func TestControl_SharedPortConflicts(t *testing.T) {
	h := newHarness(t, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.runner.RunFunc = func(ctx context.Context, req executor.RunRequest) (executor.RunResult, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return executor.RunResult{}, ctx.Err()
			}
		}
		return executor.RunResult{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.ctl.Control(context.Background(), "app-server", "restart", Options{})
		done <- err
	}()
	<-entered

	_, err := h.ctl.Control(context.Background(), PortProcess, "stop", Options{Port: 3100})
	assert.ErrorIs(t, err, ErrConflict, "port-process on the app-server port")

	_, err = h.ctl.Control(context.Background(), PortProcess, "stop", Options{Port: 8765})
	assert.NoError(t, err, "other ports are not blocked")

	close(release)
	require.NoError(t, <-done)

	_, err = h.ctl.Control(context.Background(), PortProcess, "stop", Options{Port: 3100})
	assert.NoError(t, err)
}

func TestGuardKey(t *testing.T) {
	assert.Equal(t, "port:3100", guardKey(DefaultServices()[0]))
	assert.Equal(t, portKey(3100), guardKey(DefaultServices()[0]))
	assert.Equal(t, "service:cron", guardKey(ServiceDescriptor{Name: "cron"}))
}

func TestControl_SameActionJoins(t *testing.T) {
	h := newHarness(t, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	h.runner.RunFunc = blockingRunner(entered, release)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	call := func(i int) {
		defer wg.Done()
		results[i], errs[i] = h.ctl.Control(context.Background(), "database-stack", "restart", Options{})
	}

	wg.Add(1)
	go call(0)
	<-entered

	wg.Add(1)
	go call(1)
	require.Eventually(t, func() bool {
		h.ctl.mu.Lock()
		defer h.ctl.mu.Unlock()
		f := h.ctl.inflight[guardKey(DefaultServices()[1])]
		return f != nil && f.callers == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Message, results[1].Message)
	assert.Equal(t, 1, h.runner.CallCount(), "joined caller did not spawn a second compose")

	h.ctl.mu.Lock()
	assert.Empty(t, h.ctl.inflight)
	h.ctl.mu.Unlock()
}

// =============================================================================
// Readiness and construction
// =============================================================================

func TestAwaitReady(t *testing.T) {
	h := newHarness(t, map[string]executor.RunResult{
		query3100: {Stdout: []byte(ownerOn3100)},
		query8765: {},
	})

	assert.NoError(t, h.ctl.AwaitReady(context.Background(), "app-server", time.Second))
	assert.ErrorIs(t, h.ctl.AwaitReady(context.Background(), "aux-tool", 20*time.Millisecond), ports.ErrNotListening)
	assert.ErrorIs(t, h.ctl.AwaitReady(context.Background(), "nope", time.Second), ErrUnknownService)
}

func TestNew_RejectsBadDescriptors(t *testing.T) {
	exec := executor.New(&executor.MockRunner{}, executor.Options{})

	_, err := New(exec, nil, Config{Services: []ServiceDescriptor{{
		Name: "web", Strategy: StrategySignal, Stop: ProcKillPortOwner, Start: ProcLaunch, Restart: ProcStopThenLaunch,
	}}})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	renamed := DefaultServices()[0]
	renamed.Name = "web"
	_, err = New(exec, nil, Config{Services: []ServiceDescriptor{renamed}})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.ErrorContains(t, err, `no launch command for "web"`)

	d := DefaultServices()[1]
	_, err = New(exec, nil, Config{Services: []ServiceDescriptor{d, d}})
	assert.ErrorIs(t, err, ErrDuplicateService)

	reserved := d
	reserved.Name = PortProcess
	_, err = New(exec, nil, Config{Services: []ServiceDescriptor{reserved}})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestServices_Sorted(t *testing.T) {
	h := newHarness(t, nil)
	var names []string
	for _, d := range h.ctl.Services() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"app-server", "aux-tool", "database-stack"}, names)
}

func TestAudit_RecordsRejections(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.ctl.Control(context.Background(), "app-server", "explode", Options{UserID: "u1"})

	events := h.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, extensions.OutcomeRejected, events[0].Outcome)
	assert.Equal(t, "explode", events[0].Action)
	assert.Equal(t, "service.control", events[0].EventType)
}
