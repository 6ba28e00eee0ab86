// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor is the only place in hostops that creates processes.
//
// # Description
//
// Callers describe what they want as a typed Command value (see commands.go)
// and the Executor turns it into exactly one child process: parameters are
// validated first, argv is passed straight to the kernel without a shell,
// a hard timeout bounds every call, and combined output is capped.
//
// # Usage
//
//	exec := executor.New(executor.NewDefaultRunner(), executor.Options{
//	    Logger:  logger,
//	    Metrics: metrics,
//	})
//	out, err := exec.Execute(ctx, executor.PortQuery{Port: 3100})
//	if errors.Is(err, executor.ErrInvalidParameter) {
//	    // nothing was spawned
//	}
//
// # Thread Safety
//
// Executor is safe for concurrent use.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/hostops/services/hostops/observability"
)

var tracer = otel.Tracer("hostops.executor")

const (
	// DefaultTimeout bounds a single command.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxOutputBytes caps combined stdout and stderr (1 MiB).
	DefaultMaxOutputBytes = 1 << 20

	// DefaultSpawnRate and DefaultSpawnBurst throttle process creation
	// host-wide, independent of per-caller HTTP rate limits.
	DefaultSpawnRate  = 20
	DefaultSpawnBurst = 40
)

// Options configures an Executor. Zero fields take the defaults above.
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int
	SpawnRate      float64
	SpawnBurst     int
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// LaunchOptions configures a detached launch.
type LaunchOptions struct {
	// LogFile receives the child's stdout and stderr. Relative paths are
	// resolved against the command's working directory.
	LogFile string
}

// Executor runs whitelisted commands through a Runner.
type Executor struct {
	runner    Runner
	timeout   time.Duration
	maxOutput int
	spawn     *rate.Limiter
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates an Executor.
//
// # Inputs
//
//   - runner: Process boundary. Use NewDefaultRunner in production and
//     MockRunner in tests.
//   - opts: Limits and collaborators.
//
// # Outputs
//
//   - *Executor: Ready to use.
func New(runner Runner, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.SpawnRate <= 0 {
		opts.SpawnRate = DefaultSpawnRate
	}
	if opts.SpawnBurst <= 0 {
		opts.SpawnBurst = DefaultSpawnBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		runner:    runner,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		spawn:     rate.NewLimiter(rate.Limit(opts.SpawnRate), opts.SpawnBurst),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Execute runs cmd and returns its trimmed stdout.
//
// # Description
//
// Order of operations:
//  1. Validate parameters. On failure return *ValidationError
//     (ErrInvalidParameter) without spawning anything.
//  2. Wait for the host-wide spawn throttle.
//  3. Run argv with the hard timeout and output cap.
//  4. Classify: timeout or non-zero exit → *ExecError
//     (ErrExecutionFailed); cap exceeded → ErrOutputTooLarge.
//
// Non-empty stderr on a successful exit is logged at WARN and otherwise
// ignored.
//
// # Inputs
//
//   - ctx: Parent context. The executor adds its own timeout.
//   - cmd: A whitelisted command.
//
// # Outputs
//
//   - string: stdout with surrounding whitespace removed.
//   - error: See above.
func (e *Executor) Execute(ctx context.Context, cmd Command) (string, error) {
	if cmd == nil {
		return "", ErrUnknownCommand
	}
	key := cmd.Key()
	start := time.Now()

	if err := cmd.Validate(); err != nil {
		e.metrics.RecordCommand(key, observability.OutcomeInvalid, 0)
		e.logger.Warn("rejected command parameters", "command", key, "error", err)
		return "", err
	}

	argv := cmd.argv()
	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.key", key),
		attribute.String("command.program", argv[0]),
		attribute.Bool("command.mutating", cmd.Mutating()),
	)

	if err := e.spawn.Wait(ctx); err != nil {
		e.metrics.RecordCommand(key, observability.OutcomeFailure, time.Since(start))
		span.SetStatus(codes.Error, "spawn throttle")
		return "", &ExecError{Command: key, Argv: argv, ExitCode: -1, Err: fmt.Errorf("spawn throttle: %w", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Debug("executing command", "command", key, "argv", argv)
	res, err := e.runner.Run(runCtx, RunRequest{
		Name:           argv[0],
		Args:           argv[1:],
		Dir:            dirOf(cmd),
		MaxOutputBytes: e.maxOutput,
	})
	elapsed := time.Since(start)
	stderr := strings.TrimSpace(string(res.Stderr))
	span.SetAttributes(attribute.Int("command.exit_code", res.ExitCode))

	switch {
	case errors.Is(err, ErrOutputTooLarge):
		e.metrics.RecordCommand(key, observability.OutcomeTooLarge, elapsed)
		span.SetStatus(codes.Error, "output too large")
		e.logger.Warn("command output exceeded limit", "command", key, "limit_bytes", e.maxOutput)
		return "", fmt.Errorf("%s: %w", key, ErrOutputTooLarge)

	case err != nil:
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded)
		outcome := observability.OutcomeFailure
		if timedOut {
			outcome = observability.OutcomeTimeout
		}
		e.metrics.RecordCommand(key, outcome, elapsed)
		execErr := &ExecError{Command: key, Argv: argv, ExitCode: -1, Stderr: stderr, TimedOut: timedOut, Err: err}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		e.logger.Error("command failed", "command", key, "timed_out", timedOut, "error", err)
		return "", execErr

	case res.ExitCode != 0 && !accepts(cmd, res.ExitCode):
		e.metrics.RecordCommand(key, observability.OutcomeFailure, elapsed)
		execErr := &ExecError{Command: key, Argv: argv, ExitCode: res.ExitCode, Stderr: stderr}
		span.SetStatus(codes.Error, execErr.Error())
		e.logger.Warn("command exited non-zero", "command", key, "exit_code", res.ExitCode, "stderr", stderr)
		return "", execErr
	}

	if stderr != "" {
		e.logger.Warn("command wrote to stderr", "command", key, "stderr", stderr)
	}
	e.metrics.RecordCommand(key, observability.OutcomeSuccess, elapsed)
	span.SetStatus(codes.Ok, "")
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Launch starts cmd detached and returns its PID without waiting.
//
// # Description
//
// Only Launchable commands are accepted. The child runs in its own session
// so it survives hostops restarts, and its output is appended to
// opts.LogFile.
//
// # Outputs
//
//   - int: PID of the launched process.
//   - error: ErrNotLaunchable, *ValidationError, or *ExecError.
func (e *Executor) Launch(ctx context.Context, cmd Command, opts LaunchOptions) (int, error) {
	if cmd == nil {
		return 0, ErrUnknownCommand
	}
	key := cmd.Key()
	if _, ok := cmd.(Launchable); !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrNotLaunchable)
	}
	if err := cmd.Validate(); err != nil {
		e.metrics.RecordCommand(key, observability.OutcomeInvalid, 0)
		return 0, err
	}

	argv := cmd.argv()
	ctx, span := tracer.Start(ctx, "executor.Launch")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.key", key),
		attribute.String("command.program", argv[0]),
	)

	start := time.Now()
	if err := e.spawn.Wait(ctx); err != nil {
		e.metrics.RecordCommand(key, observability.OutcomeFailure, time.Since(start))
		return 0, &ExecError{Command: key, Argv: argv, ExitCode: -1, Err: fmt.Errorf("spawn throttle: %w", err)}
	}

	pid, err := e.runner.Start(ctx, StartRequest{
		Name:    argv[0],
		Args:    argv[1:],
		Dir:     dirOf(cmd),
		LogFile: opts.LogFile,
	})
	if err != nil {
		e.metrics.RecordCommand(key, observability.OutcomeFailure, time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("launch failed", "command", key, "error", err)
		return 0, &ExecError{Command: key, Argv: argv, ExitCode: -1, Err: err}
	}

	e.metrics.RecordCommand(key, observability.OutcomeSuccess, time.Since(start))
	span.SetAttributes(attribute.Int("process.pid", pid))
	e.logger.Info("launched detached process", "command", key, "pid", pid, "log_file", opts.LogFile)
	return pid, nil
}

func dirOf(cmd Command) string {
	if d, ok := cmd.(dirCommand); ok {
		return d.workDir()
	}
	return ""
}

func accepts(cmd Command, code int) bool {
	if a, ok := cmd.(exitAccepter); ok {
		return a.acceptsExit(code)
	}
	return false
}
