// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probes reads host resource state through whitelisted commands.
//
// # Description
//
// Every probe returns a value, never an error: dashboards poll these
// endpoints and a single broken tool must not blank the whole page. What
// the probe does NOT do is pretend: a probe that could not read its source
// carries Status "unavailable" and the reason, so a consumer can tell a
// genuine 0% from a failed read. Numeric fields are zero in that case.
//
// # Thread Safety
//
// Prober is stateless after construction and safe for concurrent use.
package probes

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/observability"
)

// =============================================================================
// Result Types
// =============================================================================

// ProbeStatus tells whether a reading came from the host.
type ProbeStatus string

const (
	StatusOK          ProbeStatus = "ok"
	StatusUnavailable ProbeStatus = "unavailable"
)

// Reading is embedded in every probe result.
type Reading struct {
	Status ProbeStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// OK reports whether the reading is real.
func (r Reading) OK() bool { return r.Status == StatusOK }

func ok() Reading { return Reading{Status: StatusOK} }

func unavailable(err error) Reading {
	return Reading{Status: StatusUnavailable, Error: err.Error()}
}

// System identifies the host.
type System struct {
	Reading
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	Uptime      string `json:"uptime"`
	NodeVersion string `json:"nodeVersion,omitempty"`
	NpmVersion  string `json:"npmVersion,omitempty"`
}

// CPU is processor identity and current user-space usage.
type CPU struct {
	Reading
	Model        string  `json:"model"`
	Cores        int     `json:"cores"`
	UsagePercent float64 `json:"usage"`
}

// Memory is system memory in megabytes.
type Memory struct {
	Reading
	TotalMB     int     `json:"total"`
	UsedMB      int     `json:"used"`
	FreeMB      int     `json:"free"`
	AvailableMB int     `json:"available"`
	Percentage  float64 `json:"percentage"`
}

// Disk is root filesystem usage. Sizes are df's human-readable strings.
type Disk struct {
	Reading
	Filesystem string  `json:"filesystem"`
	Size       string  `json:"total"`
	Used       string  `json:"used"`
	Available  string  `json:"available"`
	Percentage float64 `json:"percentage"`
	MountPoint string  `json:"mountpoint"`
}

// Load is the 1, 5 and 15 minute load averages.
type Load struct {
	Reading
	One     float64 `json:"load1"`
	Five    float64 `json:"load5"`
	Fifteen float64 `json:"load15"`
}

// Network summarises listening sockets.
type Network struct {
	Reading
	ListeningSockets int `json:"listeningSockets"`
}

// DatabaseState is the answer of the database probe.
type DatabaseState string

const (
	DatabaseRunning DatabaseState = "running"
	DatabaseStopped DatabaseState = "stopped"
)

// Database describes the local PostgreSQL instance.
type Database struct {
	Reading
	State   DatabaseState `json:"state,omitempty"`
	Type    string        `json:"type"`
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Version string        `json:"version,omitempty"`
}

// ProcessInfo is one row of the process listing.
type ProcessInfo struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	Command       string  `json:"command"`
}

// Snapshot is every host probe taken together.
type Snapshot struct {
	System   System   `json:"system"`
	CPU      CPU      `json:"cpu"`
	Memory   Memory   `json:"memory"`
	Disk     Disk     `json:"disk"`
	Load     Load     `json:"load"`
	Network  Network  `json:"network"`
	Database Database `json:"database"`
}

// =============================================================================
// Prober
// =============================================================================

// CommandExecutor is the subset of executor.Executor probes need.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd executor.Command) (string, error)
}

// Options configures a Prober.
type Options struct {
	// DatabasePort is the local PostgreSQL port. Default 54322.
	DatabasePort int

	// ProbeTimeout bounds a full Snapshot. Default 15s.
	ProbeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Prober runs resource probes.
type Prober struct {
	exec     CommandExecutor
	dbPort   int
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	hostname func() (string, error)
}

// DefaultDatabasePort is the port of the local development database.
const DefaultDatabasePort = 54322

// NewProber creates a Prober.
func NewProber(exec CommandExecutor, opts Options) *Prober {
	if opts.DatabasePort == 0 {
		opts.DatabasePort = DefaultDatabasePort
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prober{
		exec:     exec,
		dbPort:   opts.DatabasePort,
		timeout:  opts.ProbeTimeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		hostname: os.Hostname,
	}
}

// CPU reads usage from top, core count from nproc and model from lscpu.
// Only the usage read decides availability; cores and model are best
// effort.
func (p *Prober) CPU(ctx context.Context) CPU {
	var cpu CPU

	if out, err := p.exec.Execute(ctx, executor.CPUCores{}); err == nil {
		cpu.Cores, _ = strconv.Atoi(strings.TrimSpace(out))
	}
	if out, err := p.exec.Execute(ctx, executor.CPUInfo{}); err == nil {
		cpu.Model = parseCPUModel(out)
	}

	out, err := p.exec.Execute(ctx, executor.CPUUsage{})
	if err == nil {
		cpu.UsagePercent, err = parseCPUUsage(out)
	}
	if err != nil {
		cpu.UsagePercent = 0
		cpu.Reading = p.fail("cpu", err)
		return cpu
	}
	cpu.Reading = ok()
	return cpu
}

// Memory reads `free -m`.
func (p *Prober) Memory(ctx context.Context) Memory {
	out, err := p.exec.Execute(ctx, executor.MemoryInfo{})
	if err != nil {
		return Memory{Reading: p.fail("memory", err)}
	}
	mem, err := parseMemory(out)
	if err != nil {
		return Memory{Reading: p.fail("memory", err)}
	}
	mem.Reading = ok()
	return mem
}

// Disk reads `df -P -h /`.
func (p *Prober) Disk(ctx context.Context) Disk {
	out, err := p.exec.Execute(ctx, executor.DiskUsage{})
	if err != nil {
		return Disk{Reading: p.fail("disk", err)}
	}
	disk, err := parseDisk(out)
	if err != nil {
		return Disk{Reading: p.fail("disk", err)}
	}
	disk.Reading = ok()
	return disk
}

// Load reads the load averages from `uptime`.
func (p *Prober) Load(ctx context.Context) Load {
	out, err := p.exec.Execute(ctx, executor.LoadAverage{})
	if err != nil {
		return Load{Reading: p.fail("load", err)}
	}
	load, err := parseLoadAverage(out)
	if err != nil {
		return Load{Reading: p.fail("load", err)}
	}
	load.Reading = ok()
	return load
}

// Network counts listening sockets.
func (p *Prober) Network(ctx context.Context) Network {
	out, err := p.exec.Execute(ctx, executor.ListeningSockets{})
	if err != nil {
		return Network{Reading: p.fail("network", err)}
	}
	return Network{Reading: ok(), ListeningSockets: countListening(out)}
}

// System reads platform identity. Platform and architecture decide
// availability; hostname, uptime and runtime versions are best effort.
func (p *Prober) System(ctx context.Context) System {
	var sys System
	if name, err := p.hostname(); err == nil {
		sys.Hostname = name
	}
	if out, err := p.exec.Execute(ctx, executor.Uptime{}); err == nil {
		sys.Uptime = out
	}
	if out, err := p.exec.Execute(ctx, executor.NodeVersion{}); err == nil {
		sys.NodeVersion = out
	}
	if out, err := p.exec.Execute(ctx, executor.NpmVersion{}); err == nil {
		sys.NpmVersion = out
	}

	out, err := p.exec.Execute(ctx, executor.PlatformInfo{})
	if err == nil {
		sys.Platform, sys.Arch, err = parsePlatform(out)
	}
	if err != nil {
		sys.Reading = p.fail("system", err)
		return sys
	}
	sys.Reading = ok()
	return sys
}

// Database asks PostgreSQL for its version. An empty answer (server not
// accepting connections) is a successful probe of a stopped database; a
// missing psql binary is an unavailable probe.
func (p *Prober) Database(ctx context.Context) Database {
	db := Database{Type: "postgresql", Host: "127.0.0.1", Port: p.dbPort}
	out, err := p.exec.Execute(ctx, executor.DatabaseVersion{Port: p.dbPort})
	if err != nil {
		db.Reading = p.fail("database", err)
		return db
	}
	db.Reading = ok()
	if out == "" {
		db.State = DatabaseStopped
		return db
	}
	db.State = DatabaseRunning
	db.Version = firstLine(out)
	return db
}

// Processes lists processes whose command line contains filter, or node
// and npm processes when filter is empty.
func (p *Prober) Processes(ctx context.Context, filter string) ([]ProcessInfo, error) {
	out, err := p.exec.Execute(ctx, executor.ProcessList{})
	if err != nil {
		return nil, err
	}
	match := []string{"node", "npm"}
	if filter = strings.TrimSpace(filter); filter != "" {
		match = []string{filter}
	}
	procs := parseProcessList(out, match)
	if procs == nil {
		procs = []ProcessInfo{}
	}
	return procs, nil
}

// Snapshot runs every host probe concurrently.
func (p *Prober) Snapshot(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var s Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.System = p.System(gctx); return nil })
	g.Go(func() error { s.CPU = p.CPU(gctx); return nil })
	g.Go(func() error { s.Memory = p.Memory(gctx); return nil })
	g.Go(func() error { s.Disk = p.Disk(gctx); return nil })
	g.Go(func() error { s.Load = p.Load(gctx); return nil })
	g.Go(func() error { s.Network = p.Network(gctx); return nil })
	g.Go(func() error { s.Database = p.Database(gctx); return nil })
	_ = g.Wait()
	return s
}

func (p *Prober) fail(probe string, err error) Reading {
	p.metrics.RecordProbeFailure(probe)
	p.logger.Warn("probe unavailable", "probe", probe, "error", err)
	return unavailable(err)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
