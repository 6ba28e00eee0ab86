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
	"fmt"
	"sort"
	"strconv"
)

// builder constructs a command from positional string parameters.
type builder struct {
	params []string
	build  func(args []string) (Command, error)
}

// registry lists the commands reachable by symbolic key. Delegated
// lifecycle commands (compose, deploy, launch) need service configuration
// and are only built by the service controller, so they are absent here.
var registry = map[string]builder{
	"cpu-usage":         {nil, func([]string) (Command, error) { return CPUUsage{}, nil }},
	"memory":            {nil, func([]string) (Command, error) { return MemoryInfo{}, nil }},
	"disk-usage":        {nil, func([]string) (Command, error) { return DiskUsage{}, nil }},
	"load-average":      {nil, func([]string) (Command, error) { return LoadAverage{}, nil }},
	"uptime":            {nil, func([]string) (Command, error) { return Uptime{}, nil }},
	"platform":          {nil, func([]string) (Command, error) { return PlatformInfo{}, nil }},
	"cpu-cores":         {nil, func([]string) (Command, error) { return CPUCores{}, nil }},
	"cpu-info":          {nil, func([]string) (Command, error) { return CPUInfo{}, nil }},
	"node-version":      {nil, func([]string) (Command, error) { return NodeVersion{}, nil }},
	"npm-version":       {nil, func([]string) (Command, error) { return NpmVersion{}, nil }},
	"listening-sockets": {nil, func([]string) (Command, error) { return ListeningSockets{}, nil }},
	"process-list":      {nil, func([]string) (Command, error) { return ProcessList{}, nil }},
	"pm2-list":          {nil, func([]string) (Command, error) { return PM2List{}, nil }},
	"db-version": {[]string{"port"}, func(a []string) (Command, error) {
		port, err := atoi("db-version", "port", a[0])
		return DatabaseVersion{Port: port}, err
	}},
	"port-query": {[]string{"port"}, func(a []string) (Command, error) {
		port, err := atoi("port-query", "port", a[0])
		return PortQuery{Port: port}, err
	}},
	"kill": {[]string{"pid"}, func(a []string) (Command, error) {
		pid, err := atoi("kill", "pid", a[0])
		return KillPID{PID: pid}, err
	}},
	"container-logs": {[]string{"name"}, func(a []string) (Command, error) {
		return ContainerLogs{Name: a[0], Lines: 100}, nil
	}},
	"pm2-logs": {[]string{"app"}, func(a []string) (Command, error) {
		return PM2Logs{App: a[0], Lines: 100}, nil
	}},
	"pm2-describe": {[]string{"app"}, func(a []string) (Command, error) {
		return PM2Describe{App: a[0]}, nil
	}},
	"pm2-start":   pm2Builder(PM2Start),
	"pm2-stop":    pm2Builder(PM2Stop),
	"pm2-restart": pm2Builder(PM2Restart),
	"pm2-delete":  pm2Builder(PM2Delete),
}

func pm2Builder(action PM2Action) builder {
	return builder{[]string{"app"}, func(a []string) (Command, error) {
		return PM2Control{Action: action, App: a[0]}, nil
	}}
}

// Lookup maps a symbolic key and positional parameters to a command.
//
// # Description
//
// Returns ErrUnknownCommand for keys not in the registry and
// *ValidationError when the parameter count or a parameter value is wrong.
// The returned command has already passed Validate.
//
// # Examples
//
//	cmd, err := executor.Lookup("port-query", "3100")
func Lookup(key string, params ...string) (Command, error) {
	b, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, key)
	}
	if len(params) != len(b.params) {
		return nil, invalid(key, "arguments", fmt.Errorf("want %d parameter(s) %v, got %d", len(b.params), b.params, len(params)))
	}
	cmd, err := b.build(params)
	if err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Keys returns each registered key with the names of its parameters.
func Keys() map[string][]string {
	out := make(map[string][]string, len(registry))
	for k, b := range registry {
		out[k] = append([]string(nil), b.params...)
	}
	return out
}

// SortedKeys returns the registered keys in lexical order.
func SortedKeys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func atoi(command, field, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid(command, field, fmt.Errorf("%q is not an integer", s))
	}
	return n, nil
}
