// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package instance ensures a single hostops daemon controls a host.
//
// Two daemons on one host would each believe they own the service
// lifecycle guard, so one could restart a service while the other stops
// it. The serve command takes an exclusive flock(2) before binding.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Locker is the interface of an instance lock.
type Locker interface {
	// Acquire takes the lock without blocking.
	Acquire() error

	// Release drops the lock. Safe to call when not held.
	Release() error
}

// Config locates the lock files.
//
// # Example
//
//	cfg := instance.Config{Dir: "/run/hostops", Name: "hostops"}
type Config struct {
	// Dir holds the lock and PID files. Default: os.TempDir().
	Dir string

	// Name is the base name of both files. Default: "hostops".
	Name string
}

// Lock implements Locker with an advisory flock on {Dir}/{Name}.lock.
//
// # How It Works
//
//  1. Opens (creating if needed) {Dir}/{Name}.lock
//  2. Takes LOCK_EX|LOCK_NB on it
//  3. Writes the current PID to {Dir}/{Name}.pid
//  4. Release removes the PID file and unlocks
//
// The kernel drops the flock when the process dies, so a crashed daemon
// never leaves the host locked. The PID file may go stale in that case and
// is only used for error messages.
//
// # Thread Safety
//
// Not safe for concurrent use. Acquire once from main.
//
// # Limitations
//
//   - Advisory only
//   - flock is unreliable on NFS
type Lock struct {
	lockPath string
	pidPath  string
	file     *os.File
	held     bool
}

// LockHeldError is returned by Acquire when another process holds the lock.
type LockHeldError struct {
	HolderPID int
	LockPath  string
}

func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another hostops instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another hostops instance is running (check: lsof %s)", e.LockPath)
}

// New creates a Lock. It does not acquire it.
func New(cfg Config) *Lock {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Name == "" {
		cfg.Name = "hostops"
	}
	return &Lock{
		lockPath: filepath.Join(cfg.Dir, cfg.Name+".lock"),
		pidPath:  filepath.Join(cfg.Dir, cfg.Name+".pid"),
	}
}

// Acquire takes the lock or returns *LockHeldError immediately.
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &LockHeldError{HolderPID: l.readHolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("flock %s: %w", l.lockPath, err)
	}

	l.file = f
	l.held = true

	// The PID file is informational; the flock is what counts.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return nil
}

// Release removes the PID file and unlocks. The lock file itself is kept.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}

	_ = os.Remove(l.pidPath)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}

func (l *Lock) readHolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

var _ Locker = (*Lock)(nil)
