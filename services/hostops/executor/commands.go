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
	"path/filepath"
	"strconv"

	"github.com/AleutianAI/hostops/pkg/validation"
)

// =============================================================================
// Command Interface
// =============================================================================

// Command is one whitelisted capability.
//
// # Description
//
// Each concrete type in this file is one entry of the whitelist. The
// interface has unexported methods, so no other package can add entries:
// the set of argv vectors hostops can produce is fixed at compile time.
// Parameters are typed fields (int ports, int PIDs, validated names) and
// every variant renders an argv slice, never a shell string.
//
// # Thread Safety
//
// Commands are plain values and safe to share.
type Command interface {
	// Key is the symbolic name used in logs, metrics and the CLI.
	Key() string

	// Validate checks parameters. It returns *ValidationError.
	Validate() error

	// Mutating reports whether the command changes host state.
	Mutating() bool

	argv() []string
}

// exitAccepter is implemented by commands for which some non-zero exit
// codes are a normal answer rather than a failure.
type exitAccepter interface {
	acceptsExit(code int) bool
}

// dirCommand is implemented by commands that run in a specific directory.
type dirCommand interface {
	workDir() string
}

// Launchable is implemented by commands that Executor.Launch accepts.
type Launchable interface {
	Command
	launchable()
}

type readOnly struct{}

func (readOnly) Mutating() bool { return false }

type mutating struct{}

func (mutating) Mutating() bool { return true }

type noParams struct{}

func (noParams) Validate() error { return nil }

// =============================================================================
// Resource Probe Commands
// =============================================================================

// CPUUsage samples one batch iteration of top.
type CPUUsage struct {
	readOnly
	noParams
}

func (CPUUsage) Key() string { return "cpu-usage" }
func (CPUUsage) argv() []string { return []string{"top", "-bn1"} }

// MemoryInfo reports memory in megabytes.
type MemoryInfo struct {
	readOnly
	noParams
}

func (MemoryInfo) Key() string { return "memory" }
func (MemoryInfo) argv() []string { return []string{"free", "-m"} }

// DiskUsage reports the root filesystem in POSIX format.
type DiskUsage struct {
	readOnly
	noParams
}

func (DiskUsage) Key() string { return "disk-usage" }
func (DiskUsage) argv() []string { return []string{"df", "-P", "-h", "/"} }

// LoadAverage reads the uptime line containing the load averages.
type LoadAverage struct {
	readOnly
	noParams
}

func (LoadAverage) Key() string { return "load-average" }
func (LoadAverage) argv() []string { return []string{"uptime"} }

// Uptime reports human-readable uptime.
type Uptime struct {
	readOnly
	noParams
}

func (Uptime) Key() string { return "uptime" }
func (Uptime) argv() []string { return []string{"uptime", "-p"} }

// PlatformInfo reports kernel name and machine architecture.
type PlatformInfo struct {
	readOnly
	noParams
}

func (PlatformInfo) Key() string { return "platform" }
func (PlatformInfo) argv() []string { return []string{"uname", "-s", "-m"} }

// CPUCores reports the number of online processors.
type CPUCores struct {
	readOnly
	noParams
}

func (CPUCores) Key() string { return "cpu-cores" }
func (CPUCores) argv() []string { return []string{"nproc"} }

// CPUInfo reports processor details.
type CPUInfo struct {
	readOnly
	noParams
}

func (CPUInfo) Key() string { return "cpu-info" }
func (CPUInfo) argv() []string { return []string{"lscpu"} }

// NodeVersion reports the installed Node.js runtime version.
type NodeVersion struct {
	readOnly
	noParams
}

func (NodeVersion) Key() string { return "node-version" }
func (NodeVersion) argv() []string { return []string{"node", "--version"} }

// NpmVersion reports the installed npm version.
type NpmVersion struct {
	readOnly
	noParams
}

func (NpmVersion) Key() string { return "npm-version" }
func (NpmVersion) argv() []string { return []string{"npm", "--version"} }

// ListeningSockets lists all listening TCP and UDP sockets.
type ListeningSockets struct {
	readOnly
	noParams
}

func (ListeningSockets) Key() string { return "listening-sockets" }
func (ListeningSockets) argv() []string { return []string{"ss", "-tuln"} }

// ProcessList lists every process with its CPU and memory share.
type ProcessList struct {
	readOnly
	noParams
}

func (ProcessList) Key() string { return "process-list" }
func (ProcessList) argv() []string {
	return []string{"ps", "-eo", "pid,pcpu,pmem,args", "--no-headers"}
}

// DatabaseVersion asks the local PostgreSQL on Port for its version.
// It never prompts for a password.
type DatabaseVersion struct {
	readOnly
	Port int
}

func (DatabaseVersion) Key() string { return "db-version" }

func (c DatabaseVersion) Validate() error {
	if err := validation.ValidatePort(c.Port); err != nil {
		return invalid(c.Key(), "port", err)
	}
	return nil
}

func (c DatabaseVersion) argv() []string {
	return []string{
		"psql", "-w",
		"-h", "127.0.0.1",
		"-p", strconv.Itoa(c.Port),
		"-U", "postgres",
		"-tAc", "SELECT version();",
	}
}

// =============================================================================
// Port and Process Commands
// =============================================================================

// PortQuery lists listening TCP sockets bound to Port with their owners.
type PortQuery struct {
	readOnly
	Port int
}

func (PortQuery) Key() string { return "port-query" }

func (c PortQuery) Validate() error {
	if err := validation.ValidatePort(c.Port); err != nil {
		return invalid(c.Key(), "port", err)
	}
	return nil
}

func (c PortQuery) argv() []string {
	return []string{"ss", "-H", "-tlnp", "sport", "=", ":" + strconv.Itoa(c.Port)}
}

// KillPID sends SIGTERM, or SIGKILL when Force is set, to PID.
type KillPID struct {
	mutating
	PID   int
	Force bool
}

func (KillPID) Key() string { return "kill" }

func (c KillPID) Validate() error {
	if err := validation.ValidatePID(c.PID); err != nil {
		return invalid(c.Key(), "pid", err)
	}
	return nil
}

func (c KillPID) argv() []string {
	sig := "-TERM"
	if c.Force {
		sig = "-KILL"
	}
	return []string{"kill", sig, strconv.Itoa(c.PID)}
}

// ContainerLogs tails the last Lines lines of a container's output.
type ContainerLogs struct {
	readOnly
	Name  string
	Lines int
}

func (ContainerLogs) Key() string { return "container-logs" }

func (c ContainerLogs) Validate() error {
	if err := validation.ValidateIdentifier(c.Name); err != nil {
		return invalid(c.Key(), "name", err)
	}
	if err := validation.ValidateLogLines(c.Lines); err != nil {
		return invalid(c.Key(), "lines", err)
	}
	return nil
}

func (c ContainerLogs) argv() []string {
	return []string{"docker", "logs", "--tail", strconv.Itoa(c.Lines), c.Name}
}

// =============================================================================
// Supervisor (pm2) Commands
// =============================================================================

// PM2List dumps the supervisor's process table as JSON.
type PM2List struct {
	readOnly
	noParams
}

func (PM2List) Key() string { return "pm2-list" }
func (PM2List) argv() []string { return []string{"pm2", "jlist"} }

// PM2Action is a supervisor lifecycle verb.
type PM2Action string

const (
	PM2Start   PM2Action = "start"
	PM2Stop    PM2Action = "stop"
	PM2Restart PM2Action = "restart"
	PM2Delete  PM2Action = "delete"
)

// Valid reports whether a is one of the four lifecycle verbs.
func (a PM2Action) Valid() bool {
	switch a {
	case PM2Start, PM2Stop, PM2Restart, PM2Delete:
		return true
	}
	return false
}

// PM2Control applies a lifecycle verb to one supervised app.
type PM2Control struct {
	mutating
	Action PM2Action
	App    string
}

func (c PM2Control) Key() string { return "pm2-" + string(c.Action) }

func (c PM2Control) Validate() error {
	if !c.Action.Valid() {
		return invalid("pm2", "action", fmt.Errorf("%w: %q", validation.ErrInvalid, c.Action))
	}
	if err := validation.ValidateIdentifier(c.App); err != nil {
		return invalid(c.Key(), "app", err)
	}
	return nil
}

func (c PM2Control) argv() []string {
	return []string{"pm2", string(c.Action), c.App}
}

// PM2Logs prints the last Lines lines of an app's logs without following.
type PM2Logs struct {
	readOnly
	App   string
	Lines int
}

func (PM2Logs) Key() string { return "pm2-logs" }

func (c PM2Logs) Validate() error {
	if err := validation.ValidateIdentifier(c.App); err != nil {
		return invalid(c.Key(), "app", err)
	}
	if err := validation.ValidateLogLines(c.Lines); err != nil {
		return invalid(c.Key(), "lines", err)
	}
	return nil
}

func (c PM2Logs) argv() []string {
	return []string{"pm2", "logs", c.App, "--lines", strconv.Itoa(c.Lines), "--nostream"}
}

// PM2Describe prints the supervisor's metadata for one app.
type PM2Describe struct {
	readOnly
	App string
}

func (PM2Describe) Key() string { return "pm2-describe" }

func (c PM2Describe) Validate() error {
	if err := validation.ValidateIdentifier(c.App); err != nil {
		return invalid(c.Key(), "app", err)
	}
	return nil
}

func (c PM2Describe) argv() []string { return []string{"pm2", "describe", c.App} }

// =============================================================================
// Delegated Lifecycle Commands
// =============================================================================

// ComposeAction is a container-stack lifecycle verb.
type ComposeAction string

const (
	ComposeUp      ComposeAction = "up"
	ComposeDown    ComposeAction = "down"
	ComposeRestart ComposeAction = "restart"
)

// ComposeControl runs docker compose for one project in Dir.
//
// Dir comes from service configuration, never from a request.
type ComposeControl struct {
	mutating
	Action  ComposeAction
	Project string
	Dir     string
}

func (c ComposeControl) Key() string { return "compose-" + string(c.Action) }

func (c ComposeControl) Validate() error {
	switch c.Action {
	case ComposeUp, ComposeDown, ComposeRestart:
	default:
		return invalid("compose", "action", fmt.Errorf("%w: %q", validation.ErrInvalid, c.Action))
	}
	if err := validation.ValidateIdentifier(c.Project); err != nil {
		return invalid(c.Key(), "project", err)
	}
	if err := validateDir(c.Dir); err != nil {
		return invalid(c.Key(), "dir", err)
	}
	return nil
}

func (c ComposeControl) argv() []string {
	args := []string{"docker", "compose", "-p", c.Project, string(c.Action)}
	if c.Action == ComposeUp {
		args = append(args, "-d")
	}
	return args
}

func (c ComposeControl) workDir() string { return c.Dir }

// DeployScript runs the project's deploy script from Dir.
type DeployScript struct {
	mutating
	Dir string
}

func (DeployScript) Key() string { return "deploy-script" }

func (c DeployScript) Validate() error {
	if err := validateDir(c.Dir); err != nil {
		return invalid(c.Key(), "dir", err)
	}
	return nil
}

func (DeployScript) argv() []string { return []string{"./scripts/deploy"} }
func (c DeployScript) workDir() string { return c.Dir }

// launchTable maps each launchable service to its fixed start command.
var launchTable = map[string][]string{
	"app-server": {"npm", "run", "dev"},
	"aux-tool":   {"npm", "start"},
}

// CanLaunch reports whether service has a built-in launch command.
func CanLaunch(service string) bool {
	_, ok := launchTable[service]
	return ok
}

// LaunchService starts a long-running service process. Only services in
// the built-in launch table can be launched.
type LaunchService struct {
	mutating
	Service string
	Dir     string
}

func (LaunchService) Key() string { return "launch" }

func (c LaunchService) Validate() error {
	if !CanLaunch(c.Service) {
		return invalid(c.Key(), "service", fmt.Errorf("%w: %q has no launch command", validation.ErrInvalid, c.Service))
	}
	if err := validateDir(c.Dir); err != nil {
		return invalid(c.Key(), "dir", err)
	}
	return nil
}

func (c LaunchService) argv() []string {
	src := launchTable[c.Service]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

func (c LaunchService) workDir() string { return c.Dir }
func (LaunchService) launchable() {}

func validateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: directory not configured", validation.ErrInvalid)
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: directory %q must be absolute", validation.ErrInvalid, dir)
	}
	return nil
}

// =============================================================================
// Exit Code Acceptance
// =============================================================================

// psql exits 2 when the server is unreachable; that is a "stopped"
// database, reported by the probe, not an executor failure.
func (DatabaseVersion) acceptsExit(code int) bool { return code == 2 }

var (
	_ Command    = CPUUsage{}
	_ Command    = MemoryInfo{}
	_ Command    = DiskUsage{}
	_ Command    = LoadAverage{}
	_ Command    = Uptime{}
	_ Command    = PlatformInfo{}
	_ Command    = CPUCores{}
	_ Command    = CPUInfo{}
	_ Command    = NodeVersion{}
	_ Command    = NpmVersion{}
	_ Command    = ListeningSockets{}
	_ Command    = ProcessList{}
	_ Command    = DatabaseVersion{}
	_ Command    = PortQuery{}
	_ Command    = KillPID{}
	_ Command    = ContainerLogs{}
	_ Command    = PM2List{}
	_ Command    = PM2Control{}
	_ Command    = PM2Logs{}
	_ Command    = PM2Describe{}
	_ Command    = ComposeControl{}
	_ Command    = DeployScript{}
	_ Launchable = LaunchService{}
)
