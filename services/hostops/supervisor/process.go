// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the supervisor's view of a process.
type Status string

const (
	StatusOnline    Status = "online"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
	StatusLaunching Status = "launching"
)

// ManagedProcess is one process tracked by pm2.
type ManagedProcess struct {
	Name         string  `json:"name"`
	PID          *int    `json:"pid"`
	SupervisorID int     `json:"pm_id"`
	Status       Status  `json:"status"`
	CPUPercent   float64 `json:"cpu"`
	MemoryBytes  int64   `json:"memory"`
	UptimeMs     int64   `json:"uptime"`
	RestartCount int     `json:"restarts"`
}

// jlistEntry is the subset of one `pm2 jlist` element we read.
type jlistEntry struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	PMID  int    `json:"pm_id"`
	Monit struct {
		Memory int64   `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
	Env struct {
		Status      string `json:"status"`
		PMUptime    int64  `json:"pm_uptime"`
		RestartTime int    `json:"restart_time"`
	} `json:"pm2_env"`
}

// parseJList decodes `pm2 jlist` output. pm2 sometimes prints a banner or
// warnings before the JSON array; everything before the first '[' is
// skipped.
func parseJList(out string, now time.Time) ([]ManagedProcess, error) {
	start := strings.IndexByte(out, '[')
	if start < 0 {
		if strings.TrimSpace(out) == "" {
			return []ManagedProcess{}, nil
		}
		return nil, fmt.Errorf("pm2 jlist: no JSON array in output")
	}

	var entries []jlistEntry
	if err := json.Unmarshal([]byte(out[start:]), &entries); err != nil {
		return nil, fmt.Errorf("pm2 jlist: %w", err)
	}

	procs := make([]ManagedProcess, 0, len(entries))
	for _, e := range entries {
		p := ManagedProcess{
			Name:         e.Name,
			SupervisorID: e.PMID,
			Status:       normalizeStatus(e.Env.Status),
			CPUPercent:   e.Monit.CPU,
			MemoryBytes:  e.Monit.Memory,
			RestartCount: e.Env.RestartTime,
		}
		if e.PID > 0 {
			pid := e.PID
			p.PID = &pid
		}
		if p.Status == StatusOnline && e.Env.PMUptime > 0 {
			if up := now.UnixMilli() - e.Env.PMUptime; up > 0 {
				p.UptimeMs = up
			}
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// normalizeStatus folds pm2's transitional states into the four we report.
func normalizeStatus(s string) Status {
	switch s {
	case "online":
		return StatusOnline
	case "errored":
		return StatusErrored
	case "launching", "waiting restart", "one-launch-status":
		return StatusLaunching
	}
	return StatusStopped
}
