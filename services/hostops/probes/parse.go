// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probes

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// errNoMatch is returned by parsers when the expected line is absent.
var errNoMatch = errors.New("expected field not found in output")

// cpuPattern matches both procps formats:
//
//	Cpu(s): 12.5%us,  2.0%sy, ...
//	%Cpu(s):  3.1 us,  1.0 sy, ...
var cpuPattern = regexp.MustCompile(`Cpu\(s\):\s*([0-9]+(?:\.[0-9]+)?)\s*%?\s*us`)

// parseCPUUsage extracts the user CPU percentage from one `top -bn1` frame.
func parseCPUUsage(out string) (float64, error) {
	m := cpuPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, errNoMatch
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("cpu usage %q: %w", m[1], err)
	}
	return v, nil
}

// parseMemory reads the "Mem:" row of `free -m`:
//
//	              total        used        free      shared  buff/cache   available
//	Mem:          15876        4321        8123         210        3432       11012
func parseMemory(out string) (Memory, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "Mem:" {
			continue
		}
		nums := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			n, err := strconv.Atoi(f)
			if err != nil {
				return Memory{}, fmt.Errorf("memory field %q: %w", f, err)
			}
			nums = append(nums, n)
		}
		mem := Memory{TotalMB: nums[0], UsedMB: nums[1], FreeMB: nums[2]}
		if len(nums) >= 6 {
			mem.AvailableMB = nums[5]
		} else {
			mem.AvailableMB = mem.FreeMB
		}
		if mem.TotalMB > 0 {
			mem.Percentage = round1(float64(mem.UsedMB) / float64(mem.TotalMB) * 100)
		}
		return mem, nil
	}
	return Memory{}, errNoMatch
}

// parseDisk reads the data row of `df -P -h /`:
//
//	Filesystem      Size  Used Avail Capacity Mounted on
//	/dev/nvme0n1p2  468G  201G  244G      46% /
func parseDisk(out string) (Disk, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.Fields(lines[i])
		if len(fields) < 6 || fields[0] == "Filesystem" {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
		if err != nil {
			return Disk{}, fmt.Errorf("disk percentage %q: %w", fields[4], err)
		}
		return Disk{
			Filesystem: fields[0],
			Size:       fields[1],
			Used:       fields[2],
			Available:  fields[3],
			Percentage: pct,
			MountPoint: strings.Join(fields[5:], " "),
		}, nil
	}
	return Disk{}, errNoMatch
}

// parseLoadAverage reads the three averages after "load average:" in
// `uptime` output. BSD-style "load averages:" without commas is accepted.
func parseLoadAverage(out string) (Load, error) {
	idx := strings.Index(out, "load average")
	if idx < 0 {
		return Load{}, errNoMatch
	}
	rest := out[idx:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return Load{}, errNoMatch
	}
	parts := strings.FieldsFunc(rest[colon+1:], func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(parts) < 3 {
		return Load{}, fmt.Errorf("load average: want 3 values, got %d", len(parts))
	}
	var vals [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return Load{}, fmt.Errorf("load average %q: %w", parts[i], err)
		}
		vals[i] = v
	}
	return Load{One: vals[0], Five: vals[1], Fifteen: vals[2]}, nil
}

// parseCPUModel returns the "Model name:" value from `lscpu`.
func parseCPUModel(out string) string {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "Model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// countListening counts LISTEN rows in `ss -tuln` output.
func countListening(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "LISTEN") {
			n++
		}
	}
	return n
}

// parsePlatform splits `uname -s -m` into kernel name and architecture.
func parsePlatform(out string) (string, string, error) {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return "", "", errNoMatch
	}
	return fields[0], fields[1], nil
}

// parseProcessList reads `ps -eo pid,pcpu,pmem,args --no-headers` rows,
// keeping rows whose command contains any of match (case-insensitive).
func parseProcessList(out string, match []string) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cpu, _ := strconv.ParseFloat(fields[1], 64)
		mem, _ := strconv.ParseFloat(fields[2], 64)
		command := strings.Join(fields[3:], " ")

		lower := strings.ToLower(command)
		for _, m := range match {
			if strings.Contains(lower, strings.ToLower(m)) {
				procs = append(procs, ProcessInfo{PID: pid, CPUPercent: cpu, MemoryPercent: mem, Command: command})
				break
			}
		}
	}
	return procs
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
