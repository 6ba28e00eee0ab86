// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// =============================================================================
// Runner Interface
// =============================================================================

// RunRequest describes one bounded child process.
type RunRequest struct {
	// Name is the program, resolved through PATH.
	Name string

	// Args are passed verbatim as argv[1:]. No shell is involved.
	Args []string

	// Dir is the working directory. Empty means the daemon's cwd.
	Dir string

	// MaxOutputBytes caps stdout+stderr combined. Zero means unlimited.
	MaxOutputBytes int
}

// RunResult is what a bounded child produced.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// StartRequest describes one detached child.
type StartRequest struct {
	Name    string
	Args    []string
	Dir     string
	LogFile string
}

// Runner is the boundary between hostops and the operating system.
//
// Every child process hostops creates goes through a Runner so that tests
// can substitute MockRunner and assert exactly which argv vectors were (or
// were not) spawned.
//
// # Contract
//
//   - Run returns a nil error whenever the child exited on its own, including
//     non-zero exits; ExitCode carries the status.
//   - Run returns ErrOutputTooLarge when MaxOutputBytes was exceeded.
//   - Run returns the context error when ctx ended before the child did.
//   - Start returns once the child is running; it does not wait for it.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
	Start(ctx context.Context, req StartRequest) (int, error)
}

// =============================================================================
// DefaultRunner
// =============================================================================

// DefaultRunner executes real processes with os/exec.
type DefaultRunner struct {
	// WaitDelay bounds how long Run waits for output pipes to close after
	// the child has exited or been killed. Default: 1s.
	WaitDelay time.Duration
}

// NewDefaultRunner creates a DefaultRunner.
func NewDefaultRunner() *DefaultRunner {
	return &DefaultRunner{WaitDelay: time.Second}
}

// Run executes req and waits for it.
func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Name, req.Args...)
	cmd.Dir = req.Dir
	cmd.WaitDelay = r.WaitDelay

	budget := newOutputBudget(req.MaxOutputBytes, cancel)
	stdout := &cappedWriter{budget: budget}
	stderr := &cappedWriter{budget: budget}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := RunResult{
		Stdout: stdout.buf.Bytes(),
		Stderr: stderr.buf.Bytes(),
	}

	if budget.Exceeded() {
		res.ExitCode = -1
		return res, ErrOutputTooLarge
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Exited() {
		res.ExitCode = cmd.ProcessState.ExitCode()
		return res, nil
	}

	res.ExitCode = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, err
}

// Start launches req in its own session with stdout and stderr appended to
// LogFile, and returns the child's PID.
//
// The child is reaped in the background so it never lingers as a zombie
// while hostops keeps running. It is not tied to ctx: the service it runs
// must outlive the request that started it.
func (r *DefaultRunner) Start(_ context.Context, req StartRequest) (int, error) {
	cmd := exec.Command(req.Name, req.Args...)
	cmd.Dir = req.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var logFile *os.File
	if req.LogFile != "" {
		path := req.LogFile
		if !filepath.IsAbs(path) && req.Dir != "" {
			path = filepath.Join(req.Dir, path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return 0, fmt.Errorf("open log file %s: %w", path, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, fmt.Errorf("failed to start %s: %w", req.Name, err)
	}

	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
	}()

	return cmd.Process.Pid, nil
}

// =============================================================================
// Output Capping
// =============================================================================

// outputBudget is shared by the stdout and stderr writers of one child.
// When the combined size crosses the limit, onExceed kills the child and
// further output is discarded.
type outputBudget struct {
	mu        sync.Mutex
	limit     int
	used      int
	exceeded  bool
	onExceed  func()
	unlimited bool
}

func newOutputBudget(limit int, onExceed func()) *outputBudget {
	return &outputBudget{limit: limit, onExceed: onExceed, unlimited: limit <= 0}
}

func (b *outputBudget) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

type cappedWriter struct {
	budget *outputBudget
	buf    bytes.Buffer
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	b := w.budget
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unlimited {
		return w.buf.Write(p)
	}
	if b.exceeded {
		return len(p), nil
	}
	if b.used+len(p) > b.limit {
		w.buf.Write(p[:b.limit-b.used])
		b.used = b.limit
		b.exceeded = true
		b.onExceed()
		return len(p), nil
	}
	b.used += len(p)
	return w.buf.Write(p)
}

// =============================================================================
// MockRunner
// =============================================================================

// MockRunner is a Runner for tests.
//
// If RunFunc is nil, Run answers from Responses keyed by the space-joined
// argv ("ss -tuln"). A missing entry behaves like a missing executable.
// Every call is recorded in Calls before the response is produced.
//
// Example:
//
//	runner := &executor.MockRunner{
//	    Responses: map[string]executor.RunResult{
//	        "free -m": {Stdout: []byte(freeOutput)},
//	    },
//	}
type MockRunner struct {
	RunFunc   func(ctx context.Context, req RunRequest) (RunResult, error)
	StartFunc func(ctx context.Context, req StartRequest) (int, error)
	Responses map[string]RunResult

	mu    sync.Mutex
	calls []RunnerCall
}

// RunnerCall records one invocation of MockRunner.
type RunnerCall struct {
	Method string
	Name   string
	Args   []string
	Dir    string
}

// Line returns the space-joined argv of the call.
func (c RunnerCall) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

func (m *MockRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RunnerCall{Method: "Run", Name: req.Name, Args: req.Args, Dir: req.Dir})
	fn := m.RunFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	line := strings.TrimSpace(req.Name + " " + strings.Join(req.Args, " "))
	if res, ok := m.Responses[line]; ok {
		return res, nil
	}
	return RunResult{ExitCode: -1}, fmt.Errorf("exec: %q: executable file not found in $PATH", req.Name)
}

func (m *MockRunner) Start(ctx context.Context, req StartRequest) (int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RunnerCall{Method: "Start", Name: req.Name, Args: req.Args, Dir: req.Dir})
	fn := m.StartFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return 4242, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockRunner) Calls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunnerCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (m *MockRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
