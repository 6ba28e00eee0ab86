// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/hostops/services/hostops/executor"
)

// Action is a lifecycle verb.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// ParseAction converts s to an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionStop, ActionRestart:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Strategy is how a service is controlled.
type Strategy string

const (
	// StrategySignal signals the port owner and launches detached children.
	StrategySignal Strategy = "signal"

	// StrategyDelegated hands lifecycle to an external tool.
	StrategyDelegated Strategy = "delegated"
)

// Procedure is one concrete way of carrying out an action.
type Procedure string

const (
	ProcKillPortOwner  Procedure = "kill-port-owner"
	ProcLaunch         Procedure = "launch"
	ProcStopThenLaunch Procedure = "stop-then-launch"
	ProcComposeUp      Procedure = "compose-up"
	ProcComposeDown    Procedure = "compose-down"
	ProcComposeRestart Procedure = "compose-restart"
	ProcDeployScript   Procedure = "deploy-script"
)

// PortProcess is the pseudo-service addressing whatever owns a given port.
const PortProcess = "port-process"

// ServiceDescriptor describes one logical service. Every path in a
// descriptor comes from configuration; requests only name the service.
type ServiceDescriptor struct {
	Name        string   `yaml:"name" json:"name" validate:"required,identifier"`
	DisplayName string   `yaml:"display_name" json:"displayName"`
	Strategy    Strategy `yaml:"strategy" json:"strategy" validate:"oneof=signal delegated"`

	// Port is the port the service listens on, used for kill-port-owner
	// and readiness polling.
	Port int `yaml:"port" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// WorkDir is where launch, compose and deploy procedures run.
	WorkDir string `yaml:"work_dir" json:"workDir,omitempty"`

	// LogFile receives the output of launched processes.
	LogFile string `yaml:"log_file" json:"logFile,omitempty"`

	// Project is the compose project name.
	Project string `yaml:"project" json:"project,omitempty"`

	Stop    Procedure `yaml:"stop" json:"stop"`
	Start   Procedure `yaml:"start" json:"start"`
	Restart Procedure `yaml:"restart" json:"restart"`
}

// Label is the human-readable name used in messages.
func (d ServiceDescriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// Procedure returns the procedure for a.
func (d ServiceDescriptor) Procedure(a Action) Procedure {
	switch a {
	case ActionStart:
		return d.Start
	case ActionStop:
		return d.Stop
	case ActionRestart:
		return d.Restart
	}
	return ""
}

// Validate checks that every procedure has the fields it needs.
func (d ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("service: name is required")
	}
	if d.Name == PortProcess {
		return fmt.Errorf("service %q: name is reserved", d.Name)
	}
	if d.Strategy != StrategySignal && d.Strategy != StrategyDelegated {
		return fmt.Errorf("service %q: unknown strategy %q", d.Name, d.Strategy)
	}

	var errs []error
	for _, a := range []Action{ActionStart, ActionStop, ActionRestart} {
		p := d.Procedure(a)
		switch p {
		case ProcKillPortOwner:
			if d.Port == 0 {
				errs = append(errs, fmt.Errorf("%s: %s needs a port", a, p))
			}
		case ProcLaunch:
			if d.WorkDir == "" {
				errs = append(errs, fmt.Errorf("%s: %s needs a work_dir", a, p))
			}
			if !executor.CanLaunch(d.Name) {
				errs = append(errs, fmt.Errorf("%s: %s: no launch command for %q", a, p, d.Name))
			}
		case ProcStopThenLaunch:
			if d.Port == 0 || d.WorkDir == "" {
				errs = append(errs, fmt.Errorf("%s: %s needs a port and a work_dir", a, p))
			}
			if !executor.CanLaunch(d.Name) {
				errs = append(errs, fmt.Errorf("%s: %s: no launch command for %q", a, p, d.Name))
			}
		case ProcComposeUp, ProcComposeDown, ProcComposeRestart:
			if d.Project == "" || d.WorkDir == "" {
				errs = append(errs, fmt.Errorf("%s: %s needs a project and a work_dir", a, p))
			}
		case ProcDeployScript:
			if d.WorkDir == "" {
				errs = append(errs, fmt.Errorf("%s: %s needs a work_dir", a, p))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown procedure %q", a, p))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("service %q: %w", d.Name, err)
	}
	return nil
}

// DefaultServices returns the built-in service table. Directories are
// placeholders meant to be overridden in configuration.
func DefaultServices() []ServiceDescriptor {
	return []ServiceDescriptor{
		{
			Name:        "app-server",
			DisplayName: "App server",
			Strategy:    StrategySignal,
			Port:        3100,
			WorkDir:     "/srv/app",
			LogFile:     "dev.log",
			Stop:        ProcKillPortOwner,
			Start:       ProcLaunch,
			Restart:     ProcStopThenLaunch,
		},
		{
			Name:        "database-stack",
			DisplayName: "Database stack",
			Strategy:    StrategyDelegated,
			Port:        54321,
			WorkDir:     "/srv/database-stack",
			Project:     "database-stack",
			Stop:        ProcComposeDown,
			Start:       ProcComposeUp,
			Restart:     ProcComposeRestart,
		},
		{
			Name:        "aux-tool",
			DisplayName: "Aux tool",
			Strategy:    StrategySignal,
			Port:        8765,
			WorkDir:     "/srv/aux-tool",
			LogFile:     "aux-tool.log",
			Stop:        ProcKillPortOwner,
			Start:       ProcLaunch,
			Restart:     ProcDeployScript,
		},
	}
}

// outcome is the message suffix for a completed action. Start and
// restart do not wait for readiness, so they read as in progress.
func outcome(a Action) string {
	switch a {
	case ActionStart:
		return "starting..."
	case ActionRestart:
		return "restarting..."
	}
	return "stopped"
}
