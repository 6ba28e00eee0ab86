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
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrUnknownCommand indicates a symbolic key with no whitelisted command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidParameter indicates a command parameter failed validation.
	// No process is spawned when this is returned.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrExecutionFailed indicates the child exited non-zero, could not be
	// started, or was killed by the timeout.
	ErrExecutionFailed = errors.New("command execution failed")

	// ErrOutputTooLarge indicates combined stdout and stderr exceeded the
	// configured cap. The child is killed when this happens.
	ErrOutputTooLarge = errors.New("command output exceeded limit")

	// ErrNotLaunchable indicates Launch was called with a command that only
	// supports bounded execution.
	ErrNotLaunchable = errors.New("command cannot be launched detached")
)

// =============================================================================
// ValidationError
// =============================================================================

// ValidationError reports which parameter of which command was rejected.
//
// It matches ErrInvalidParameter with errors.Is.
type ValidationError struct {
	Command string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %v", e.Command, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInvalidParameter.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidParameter
}

func invalid(command, field string, err error) *ValidationError {
	return &ValidationError{Command: command, Field: field, Err: err}
}

// =============================================================================
// ExecError
// =============================================================================

// ExecError captures a failed child process with its exit code and stderr.
//
// # Description
//
// ExitCode is -1 when the process never exited normally (start failure,
// signal, timeout). TimedOut is set when the hard timeout fired. ExecError
// matches ErrExecutionFailed with errors.Is.
//
// # Examples
//
//	var execErr *executor.ExecError
//	if errors.As(err, &execErr) && execErr.TimedOut {
//	    logger.Warn("probe timed out", "command", execErr.Command)
//	}
type ExecError struct {
	Command  string
	Argv     []string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	b.WriteString(e.Command)
	if e.TimedOut {
		b.WriteString(": timed out")
	} else {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Is reports whether target is ErrExecutionFailed.
func (e *ExecError) Is(target error) bool {
	return target == ErrExecutionFailed
}

var (
	_ error = (*ValidationError)(nil)
	_ error = (*ExecError)(nil)
)
