// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hostops/cmd/hostops/config"
	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/pkg/ux"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ports"
	"github.com/AleutianAI/hostops/services/hostops/probes"
	"github.com/AleutianAI/hostops/services/hostops/supervisor"
)

// ErrMutatingCommand is returned by "hostops run" for lifecycle commands.
var ErrMutatingCommand = errors.New("command changes host state; use the admin API")

// hostTools is the read-only component set the local commands share.
type hostTools struct {
	exec    *executor.Executor
	prober  *probes.Prober
	monitor *ports.Monitor
	pm2     *supervisor.Proxy
}

// newHostTools wires the executor and the components built on it. metrics
// and audit may be nil.
func newHostTools(runner executor.Runner, c config.HostopsConfig, logger *slog.Logger,
	metrics *observability.Metrics, audit extensions.AuditLogger) *hostTools {
	exec := executor.New(runner, executor.Options{
		Timeout:        c.Executor.Timeout,
		MaxOutputBytes: c.Executor.MaxOutputBytes,
		SpawnRate:      c.Executor.SpawnRate,
		SpawnBurst:     c.Executor.SpawnBurst,
		Logger:         logger,
		Metrics:        metrics,
	})
	return &hostTools{
		exec: exec,
		prober: probes.NewProber(exec, probes.Options{
			DatabasePort: c.Database.Port,
			Logger:       logger,
			Metrics:      metrics,
		}),
		monitor: ports.NewMonitor(exec, ports.Options{Catalogue: c.Ports, Logger: logger}),
		pm2: supervisor.New(exec, supervisor.Config{
			Apps:         c.Supervisor.Apps,
			SelfApp:      c.Supervisor.SelfApp,
			RestartPolls: c.Supervisor.RestartPolls,
			Logger:       logger,
			Metrics:      metrics,
			Audit:        audit,
		}),
	}
}

// cliTools builds hostTools for a local command. Logs are discarded unless
// the config asks for debug output.
func cliTools() *hostTools {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.Logging.Level == "debug" {
		logger = slog.Default()
	}
	return newHostTools(executor.NewDefaultRunner(), cfg, logger, nil, nil)
}

func runStats(cmd *cobra.Command, _ []string) error {
	t := cliTools()
	renderStats(printer, t.prober.Snapshot(cmd.Context()))
	return nil
}

func runPorts(cmd *cobra.Command, _ []string) error {
	renderPorts(printer, cliTools().monitor.Snapshot(cmd.Context()))
	return nil
}

func runProcesses(cmd *cobra.Command, _ []string) error {
	filter, _ := cmd.Flags().GetString("filter")
	procs, err := cliTools().prober.Processes(cmd.Context(), filter)
	if err != nil {
		return err
	}
	renderProcesses(printer, procs)
	return nil
}

func runPM2List(cmd *cobra.Command, _ []string) error {
	renderPM2(printer, cliTools().pm2.List(cmd.Context()))
	return nil
}

func runWhitelisted(cmd *cobra.Command, args []string) error {
	out, err := runReadOnly(cmd.Context(), cliTools().exec, args[0], args[1:])
	if err != nil {
		return err
	}
	printer.Text(out)
	return nil
}

// runReadOnly looks up key and executes it if it does not change host
// state. Mutating keys fail with ErrMutatingCommand before anything runs.
func runReadOnly(ctx context.Context, exec *executor.Executor, key string, params []string) (string, error) {
	command, err := executor.Lookup(key, params...)
	if err != nil {
		return "", err
	}
	if command.Mutating() {
		return "", fmt.Errorf("%s: %w", key, ErrMutatingCommand)
	}
	return exec.Execute(ctx, command)
}

// =============================================================================
// Rendering
// =============================================================================

func readingIcon(r probes.Reading) ux.Icon {
	if r.OK() {
		return ux.IconSuccess
	}
	return ux.IconError
}

func reading(p *ux.Printer, r probes.Reading, value string) string {
	if !r.OK() {
		return p.Status("unavailable: "+r.Error, ux.IconError)
	}
	return value
}

func renderStats(p *ux.Printer, s probes.Snapshot) {
	p.Title("Host")
	p.KeyValues([][2]string{
		{"hostname", s.System.Hostname},
		{"platform", s.System.Platform + "/" + s.System.Arch},
		{"uptime", reading(p, s.System.Reading, s.System.Uptime)},
		{"node", s.System.NodeVersion},
	})

	p.Title("Resources")
	p.Table([]string{"PROBE", "STATUS", "VALUE"}, [][]string{
		{"cpu", p.Status(string(s.CPU.Status), readingIcon(s.CPU.Reading)),
			reading(p, s.CPU.Reading, fmt.Sprintf("%.1f%% of %d cores", s.CPU.UsagePercent, s.CPU.Cores))},
		{"memory", p.Status(string(s.Memory.Status), readingIcon(s.Memory.Reading)),
			reading(p, s.Memory.Reading, fmt.Sprintf("%d/%d MB (%.1f%%)", s.Memory.UsedMB, s.Memory.TotalMB, s.Memory.Percentage))},
		{"disk", p.Status(string(s.Disk.Status), readingIcon(s.Disk.Reading)),
			reading(p, s.Disk.Reading, fmt.Sprintf("%s/%s on %s (%.0f%%)", s.Disk.Used, s.Disk.Size, s.Disk.MountPoint, s.Disk.Percentage))},
		{"load", p.Status(string(s.Load.Status), readingIcon(s.Load.Reading)),
			reading(p, s.Load.Reading, fmt.Sprintf("%.2f %.2f %.2f", s.Load.One, s.Load.Five, s.Load.Fifteen))},
		{"network", p.Status(string(s.Network.Status), readingIcon(s.Network.Reading)),
			reading(p, s.Network.Reading, fmt.Sprintf("%d listening sockets", s.Network.ListeningSockets))},
		{"database", p.Status(string(s.Database.Status), readingIcon(s.Database.Reading)),
			reading(p, s.Database.Reading, databaseSummary(s.Database))},
	})
}

func databaseSummary(d probes.Database) string {
	out := fmt.Sprintf("%s %s:%d", d.State, d.Host, d.Port)
	if d.Version != "" {
		out += " " + d.Version
	}
	return out
}

func renderPorts(p *ux.Printer, statuses []ports.PortStatus) {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		icon := ux.IconPending
		if s.Status == ports.StateListening {
			icon = ux.IconSuccess
		}
		pid, name := "-", "-"
		if s.PID != nil {
			pid = strconv.Itoa(*s.PID)
		}
		if s.ProcessName != nil {
			name = *s.ProcessName
		}
		rows = append(rows, []string{
			strconv.Itoa(s.Port), s.Service, string(s.Category),
			p.Status(string(s.Status), icon), pid, name,
		})
	}
	p.Title("Ports")
	p.Table([]string{"PORT", "SERVICE", "CATEGORY", "STATUS", "PID", "PROCESS"}, rows)
}

func renderProcesses(p *ux.Printer, procs []probes.ProcessInfo) {
	rows := make([][]string, 0, len(procs))
	for _, pr := range procs {
		rows = append(rows, []string{
			strconv.Itoa(pr.PID),
			strconv.FormatFloat(pr.CPUPercent, 'f', 1, 64),
			strconv.FormatFloat(pr.MemoryPercent, 'f', 1, 64),
			pr.Command,
		})
	}
	p.Title(fmt.Sprintf("Processes (%d)", len(procs)))
	p.Table([]string{"PID", "CPU%", "MEM%", "COMMAND"}, rows)
}

func renderPM2(p *ux.Printer, procs []supervisor.ManagedProcess) {
	if len(procs) == 0 {
		p.Warning("No pm2 applications (pm2 may not be running)")
		return
	}
	rows := make([][]string, 0, len(procs))
	for _, pr := range procs {
		icon := ux.IconError
		if pr.Status == supervisor.StatusOnline {
			icon = ux.IconSuccess
		}
		pid := "-"
		if pr.PID != nil {
			pid = strconv.Itoa(*pr.PID)
		}
		rows = append(rows, []string{
			strconv.Itoa(pr.SupervisorID), pr.Name, p.Status(string(pr.Status), icon), pid,
			strconv.FormatFloat(pr.CPUPercent, 'f', 1, 64),
			fmt.Sprintf("%.1f MB", float64(pr.MemoryBytes)/(1<<20)),
			(time.Duration(pr.UptimeMs) * time.Millisecond).Truncate(time.Second).String(),
			strconv.Itoa(pr.RestartCount),
		})
	}
	p.Title("pm2")
	p.Table([]string{"ID", "NAME", "STATUS", "PID", "CPU%", "MEMORY", "UPTIME", "RESTARTS"}, rows)
}
