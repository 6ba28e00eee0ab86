// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for values that end up in
// subprocess argument vectors.
//
// Every parameter accepted from an HTTP caller (port, PID, process or
// container name, log line count) passes through one of these functions
// before a command is built. Callers never concatenate unvalidated input into
// a command line.
package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

const (
	// MinPort and MaxPort bound a TCP port.
	MinPort = 1
	MaxPort = 65535

	// MaxIdentifierLength bounds process, app and container names.
	MaxIdentifierLength = 64

	// MinLogLines and MaxLogLines bound log tail requests.
	MinLogLines = 1
	MaxLogLines = 1000
)

// ErrInvalid is wrapped by every error returned from this package.
var ErrInvalid = errors.New("invalid parameter")

// identifierPattern matches names that are safe to pass as a single argv
// element: ASCII letters, digits, underscore and hyphen, not starting with
// a hyphen so the value can never be read as a flag.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)

// ValidatePort checks that port is an integer in 1..65535.
//
// Example:
//
//	if err := validation.ValidatePort(req.Port); err != nil {
//	    return fmt.Errorf("kill port owner: %w", err)
//	}
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: port %d out of range %d-%d", ErrInvalid, port, MinPort, MaxPort)
	}
	return nil
}

// ValidatePID checks that pid is a positive integer. PID 1 is rejected:
// signalling init is never a legitimate dashboard action.
func ValidatePID(pid int) error {
	if pid <= 1 {
		return fmt.Errorf("%w: pid %d must be greater than 1", ErrInvalid, pid)
	}
	return nil
}

// ValidateIdentifier checks a process, app or container name.
//
// Valid identifiers:
//   - 1-64 characters
//   - letters, digits, underscore, hyphen
//   - no leading hyphen
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: name %q contains disallowed characters", ErrInvalid, name)
	}
	return nil
}

// ValidateLogLines checks a requested log tail length.
func ValidateLogLines(lines int) error {
	if lines < MinLogLines || lines > MaxLogLines {
		return fmt.Errorf("%w: lines %d out of range %d-%d", ErrInvalid, lines, MinLogLines, MaxLogLines)
	}
	return nil
}

// RegisterValidators adds the "identifier" tag to a go-playground
// validator so request structs can declare `validate:"identifier"`.
func RegisterValidators(v *validator.Validate) error {
	return v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return ValidateIdentifier(fl.Field().String()) == nil
	})
}
