// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ports reports which well-known development ports are listening
// and which process owns them.
//
// # Description
//
// The Monitor answers every question with a fresh `ss` query; nothing is
// cached between requests. Ownership is resolved from the users:(...)
// column of ss. When ss reports a PID but no name (common without root),
// the name is looked up through gopsutil.
//
// # Thread Safety
//
// Monitor is safe for concurrent use.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/hostops/services/hostops/executor"
)

// =============================================================================
// Types
// =============================================================================

// Category groups monitored ports on dashboards.
type Category string

const (
	CategoryApplication Category = "application"
	CategoryDatabase    Category = "database"
	CategoryTool        Category = "tool"
)

// MonitoredPort is one entry of the port catalogue.
type MonitoredPort struct {
	Port     int      `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Service  string   `json:"service" yaml:"service" validate:"required"`
	Category Category `json:"category" yaml:"category" validate:"required"`
}

// State is the listening state of a port.
type State string

const (
	StateListening State = "listening"
	StateClosed    State = "closed"
)

// PortStatus is the live state of one port. PID and ProcessName are nil
// when the port is closed or the owner could not be determined.
type PortStatus struct {
	Port        int      `json:"port"`
	Service     string   `json:"service"`
	Category    Category `json:"category"`
	Status      State    `json:"status"`
	PID         *int     `json:"pid"`
	ProcessName *string  `json:"processName"`
}

// Owner is the process listening on a port.
type Owner struct {
	PID  int
	Name string
}

// Termination reports what TerminateOwner did.
type Termination struct {
	Port       int  `json:"port"`
	PID        int  `json:"pid,omitempty"`
	Terminated bool `json:"terminated"`
}

// DefaultAwaitTimeout bounds AwaitListening when no timeout is given.
const DefaultAwaitTimeout = 10 * time.Second

// ErrNotListening is returned by AwaitListening when the port did not open
// before the deadline.
var ErrNotListening = errors.New("port not listening")

// DefaultCatalogue returns the ports watched when configuration names none.
func DefaultCatalogue() []MonitoredPort {
	return []MonitoredPort{
		{Port: 3100, Service: "App Server", Category: CategoryApplication},
		{Port: 54321, Service: "Database API", Category: CategoryDatabase},
		{Port: 54322, Service: "PostgreSQL", Category: CategoryDatabase},
		{Port: 54323, Service: "Database Studio", Category: CategoryDatabase},
		{Port: 8765, Service: "Aux Tool", Category: CategoryTool},
	}
}

// =============================================================================
// Monitor
// =============================================================================

// CommandExecutor is the subset of executor.Executor the monitor needs.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd executor.Command) (string, error)
}

// NameResolver maps a PID to a process name.
type NameResolver func(ctx context.Context, pid int) (string, error)

// Options configures a Monitor.
type Options struct {
	// Catalogue is the set of ports Snapshot reports. Default: DefaultCatalogue().
	Catalogue []MonitoredPort

	// PollInterval is the AwaitListening poll period. Default: 250ms.
	PollInterval time.Duration

	// ResolveName overrides the gopsutil name lookup.
	ResolveName NameResolver

	Logger *slog.Logger
}

// Monitor queries port ownership.
type Monitor struct {
	exec      CommandExecutor
	catalogue []MonitoredPort
	byPort    map[int]MonitoredPort
	interval  time.Duration
	resolve   NameResolver
	logger    *slog.Logger
}

// NewMonitor creates a Monitor. The catalogue is copied.
func NewMonitor(exec CommandExecutor, opts Options) *Monitor {
	if len(opts.Catalogue) == 0 {
		opts.Catalogue = DefaultCatalogue()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ResolveName == nil {
		opts.ResolveName = processName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	catalogue := make([]MonitoredPort, len(opts.Catalogue))
	copy(catalogue, opts.Catalogue)
	byPort := make(map[int]MonitoredPort, len(catalogue))
	for _, mp := range catalogue {
		byPort[mp.Port] = mp
	}

	return &Monitor{
		exec:      exec,
		catalogue: catalogue,
		byPort:    byPort,
		interval:  opts.PollInterval,
		resolve:   opts.ResolveName,
		logger:    opts.Logger,
	}
}

// Catalogue returns a copy of the monitored ports.
func (m *Monitor) Catalogue() []MonitoredPort {
	out := make([]MonitoredPort, len(m.catalogue))
	copy(out, m.catalogue)
	return out
}

// Owner returns the process listening on port. found is false when nothing
// listens. A listening socket whose owner is hidden from us yields
// found=true with a zero Owner.
func (m *Monitor) Owner(ctx context.Context, port int) (owner Owner, found bool, err error) {
	out, err := m.exec.Execute(ctx, executor.PortQuery{Port: port})
	if err != nil {
		return Owner{}, false, err
	}
	if out == "" {
		return Owner{}, false, nil
	}
	owner = parseOwner(out)
	if owner.PID > 0 && owner.Name == "" {
		if name, rerr := m.resolve(ctx, owner.PID); rerr == nil {
			owner.Name = name
		} else {
			m.logger.Debug("process name lookup failed", "pid", owner.PID, "error", rerr)
		}
	}
	return owner, true, nil
}

// Status reports the live state of port. Ports outside the catalogue are
// reported with an empty service name.
func (m *Monitor) Status(ctx context.Context, port int) (PortStatus, error) {
	mp, ok := m.byPort[port]
	if !ok {
		mp = MonitoredPort{Port: port}
	}
	st := PortStatus{Port: port, Service: mp.Service, Category: mp.Category, Status: StateClosed}

	owner, found, err := m.Owner(ctx, port)
	if err != nil {
		return st, err
	}
	if !found {
		return st, nil
	}
	st.Status = StateListening
	if owner.PID > 0 {
		pid := owner.PID
		st.PID = &pid
	}
	if owner.Name != "" {
		name := owner.Name
		st.ProcessName = &name
	}
	return st, nil
}

// Snapshot reports every catalogued port, in catalogue order. A port whose
// query failed is reported closed.
func (m *Monitor) Snapshot(ctx context.Context) []PortStatus {
	out := make([]PortStatus, len(m.catalogue))
	g, gctx := errgroup.WithContext(ctx)
	for i, mp := range m.catalogue {
		g.Go(func() error {
			st, err := m.Status(gctx, mp.Port)
			if err != nil {
				m.logger.Warn("port query failed", "port", mp.Port, "error", err)
			}
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// TerminateOwner signals the process listening on port. The owner is
// resolved at call time so a stale PID is never signalled. No listener is
// not an error: the result has Terminated=false.
func (m *Monitor) TerminateOwner(ctx context.Context, port int, force bool) (Termination, error) {
	res := Termination{Port: port}
	owner, found, err := m.Owner(ctx, port)
	if err != nil {
		return res, err
	}
	if !found {
		return res, nil
	}
	if owner.PID == 0 {
		return res, fmt.Errorf("port %d is listening but its owner is not visible", port)
	}

	res.PID = owner.PID
	if _, err := m.exec.Execute(ctx, executor.KillPID{PID: owner.PID, Force: force}); err != nil {
		return res, fmt.Errorf("terminate pid %d on port %d: %w", owner.PID, port, err)
	}
	res.Terminated = true
	m.logger.Info("terminated port owner", "port", port, "pid", owner.PID, "process", owner.Name, "force", force)
	return res, nil
}

// AwaitListening polls port until it is listening, ctx ends or timeout
// elapses. Validation failures end the wait immediately.
func (m *Monitor) AwaitListening(ctx context.Context, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, found, err := m.Owner(ctx, port)
		switch {
		case errors.Is(err, executor.ErrInvalidParameter):
			return struct{}{}, backoff.Permanent(err)
		case err != nil:
			return struct{}{}, err
		case !found:
			return struct{}{}, ErrNotListening
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if errors.Is(err, executor.ErrInvalidParameter) {
			return err
		}
		return fmt.Errorf("port %d after %s: %w", port, timeout, ErrNotListening)
	}
	return nil
}

// =============================================================================
// Parsing
// =============================================================================

var (
	pidPattern  = regexp.MustCompile(`pid=(\d+)`)
	namePattern = regexp.MustCompile(`users:\(\("([^"]+)"`)
)

// parseOwner extracts the first owner from `ss -tlnp` output such as:
//
//	LISTEN 0 511 0.0.0.0:3100 0.0.0.0:* users:(("node",pid=4242,fd=20))
func parseOwner(out string) Owner {
	var o Owner
	if m := pidPattern.FindStringSubmatch(out); m != nil {
		o.PID, _ = strconv.Atoi(m[1])
	}
	if m := namePattern.FindStringSubmatch(out); m != nil {
		o.Name = m[1]
	}
	return o
}

func processName(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}
