// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control starts, stops and restarts named services.
//
// # Description
//
// A service is controlled either by signals (kill whatever owns its port,
// launch a detached child) or by delegation to docker compose or a deploy
// script. Start and restart return once the action has been issued; use
// AwaitReady to wait for the port to come back.
//
// At most one action runs per service at a time, and services sharing a
// port (including port-process on that port) exclude each other. A second
// request for the same action joins the running one and receives its
// result; a request for a different action fails with ErrConflict.
//
// # Thread Safety
//
// Controller is safe for concurrent use.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ports"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownAction     = errors.New("unknown action")
	ErrMissingPort       = errors.New("port required for port-process")
	ErrUnsupportedAction = errors.New("action not supported for this service")
	ErrConflict          = errors.New("another action is in progress for this service")
	ErrNoReadinessPort   = errors.New("service has no port to poll")
	ErrDuplicateService  = errors.New("duplicate service name")
	ErrInvalidDescriptor = errors.New("invalid service descriptor")
)

// DefaultSettleDelay separates stop from start in a signal-based restart.
const DefaultSettleDelay = time.Second

// CommandExecutor is the subset of executor.Executor the controller needs.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd executor.Command) (string, error)
	Launch(ctx context.Context, cmd executor.Command, opts executor.LaunchOptions) (int, error)
}

// PortController is the subset of ports.Monitor the controller needs.
type PortController interface {
	TerminateOwner(ctx context.Context, port int, force bool) (ports.Termination, error)
	AwaitListening(ctx context.Context, port int, timeout time.Duration) error
}

// Options are per-request action options.
type Options struct {
	// Port is required for the port-process pseudo-service.
	Port int

	// Force sends SIGKILL instead of SIGTERM.
	Force bool

	// UserID is recorded in the audit trail.
	UserID string
}

// Result is the outcome of a successful action.
type Result struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// Config configures a Controller.
type Config struct {
	// Services is the service table. Default: DefaultServices().
	Services []ServiceDescriptor

	// SettleDelay is the pause between stop and start in a restart.
	// Zero means DefaultSettleDelay; negative means no pause.
	SettleDelay time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Audit   extensions.AuditLogger
}

// flight tracks the operation running for one guard key and how many
// callers are waiting on it. op is "<service>/<action>".
type flight struct {
	op      string
	callers int
}

// Controller dispatches service actions.
type Controller struct {
	services map[string]ServiceDescriptor
	exec     CommandExecutor
	ports    PortController
	settle   time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	audit    extensions.AuditLogger

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]*flight
}

// New creates a Controller. Every descriptor is validated; names must be
// unique.
func New(exec CommandExecutor, portCtl PortController, cfg Config) (*Controller, error) {
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices()
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = extensions.NewSlogAuditLogger(cfg.Logger)
	}

	services := make(map[string]ServiceDescriptor, len(cfg.Services))
	for _, d := range cfg.Services {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		if _, dup := services[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateService, d.Name)
		}
		services[d.Name] = d
	}

	return &Controller{
		services: services,
		exec:     exec,
		ports:    portCtl,
		settle:   cfg.SettleDelay,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		inflight: make(map[string]*flight),
	}, nil
}

// Services returns the service table sorted by name.
func (c *Controller) Services() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(c.services))
	for _, d := range c.services {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Service returns the descriptor for name.
func (c *Controller) Service(name string) (ServiceDescriptor, bool) {
	d, ok := c.services[name]
	return d, ok
}

// Control performs action on the named service.
//
// Unknown names and actions fail before any command runs. Executor
// failures are returned wrapped with the service and action.
func (c *Controller) Control(ctx context.Context, name, action string, opts Options) (Result, error) {
	act, err := ParseAction(action)
	if err != nil {
		c.record(ctx, name, action, opts, err)
		return Result{}, err
	}

	var (
		key string
		run func(context.Context) (Result, error)
	)
	if name == PortProcess {
		if opts.Port == 0 {
			c.record(ctx, name, action, opts, ErrMissingPort)
			return Result{}, ErrMissingPort
		}
		if act == ActionStart {
			err := fmt.Errorf("%w: %s %s", ErrUnsupportedAction, act, name)
			c.record(ctx, name, action, opts, err)
			return Result{}, err
		}
		key = portKey(opts.Port)
		run = func(ctx context.Context) (Result, error) { return c.portProcess(ctx, act, opts) }
	} else {
		d, ok := c.services[name]
		if !ok {
			err := fmt.Errorf("%w: %q", ErrUnknownService, name)
			c.record(ctx, name, action, opts, err)
			return Result{}, err
		}
		key = guardKey(d)
		run = func(ctx context.Context) (Result, error) { return c.service(ctx, d, act, opts) }
	}

	res, err := c.guarded(ctx, key, name+"/"+string(act), run)
	if err != nil && !errors.Is(err, ErrConflict) {
		err = fmt.Errorf("%s %s: %w", act, name, err)
	}
	c.record(ctx, name, action, opts, err)
	return res, err
}

// guardKey is the mutual-exclusion key for d. Services with a port share
// it with the port-process pseudo-service on the same port.
func guardKey(d ServiceDescriptor) string {
	if d.Port > 0 {
		return portKey(d.Port)
	}
	return "service:" + d.Name
}

func portKey(port int) string {
	return "port:" + strconv.Itoa(port)
}

// guarded runs fn unless a different operation holds key. Callers asking
// for the operation already running share its result.
func (c *Controller) guarded(ctx context.Context, key, op string, fn func(context.Context) (Result, error)) (Result, error) {
	c.mu.Lock()
	f := c.inflight[key]
	if f != nil && f.op != op {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s is running %s", ErrConflict, key, f.op)
	}
	if f == nil {
		f = &flight{op: op}
		c.inflight[key] = f
	}
	f.callers++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		f.callers--
		if f.callers == 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	v, err, shared := c.group.Do(key+"/"+op, func() (any, error) {
		return fn(ctx)
	})
	if shared {
		c.logger.Debug("joined in-flight action", "key", key, "op", op)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Controller) service(ctx context.Context, d ServiceDescriptor, act Action, opts Options) (Result, error) {
	data := map[string]any{"service": d.Name, "action": string(act)}
	proc := d.Procedure(act)
	log := c.logger.With("service", d.Name, "action", act, "procedure", proc)
	log.Info("service action")

	switch proc {
	case ProcKillPortOwner:
		term, err := c.ports.TerminateOwner(ctx, d.Port, opts.Force)
		if err != nil {
			return Result{}, err
		}
		data["terminated"] = term.Terminated
		if term.PID > 0 {
			data["pid"] = term.PID
		}
		if !term.Terminated {
			return Result{Message: d.Label() + " already stopped", Data: data}, nil
		}

	case ProcLaunch:
		pid, err := c.launch(ctx, d)
		if err != nil {
			return Result{}, err
		}
		data["pid"] = pid

	case ProcStopThenLaunch:
		term, err := c.ports.TerminateOwner(ctx, d.Port, opts.Force)
		if err != nil {
			return Result{}, fmt.Errorf("stop: %w", err)
		}
		data["terminated"] = term.Terminated
		if term.Terminated && c.settle > 0 {
			if err := sleep(ctx, c.settle); err != nil {
				return Result{}, err
			}
		}
		pid, err := c.launch(ctx, d)
		if err != nil {
			return Result{}, fmt.Errorf("start: %w", err)
		}
		data["pid"] = pid

	case ProcComposeUp, ProcComposeDown, ProcComposeRestart:
		out, err := c.exec.Execute(ctx, executor.ComposeControl{
			Action:  composeAction(proc),
			Project: d.Project,
			Dir:     d.WorkDir,
		})
		if err != nil {
			return Result{}, err
		}
		if out != "" {
			data["output"] = out
		}

	case ProcDeployScript:
		out, err := c.exec.Execute(ctx, executor.DeployScript{Dir: d.WorkDir})
		if err != nil {
			return Result{}, err
		}
		if out != "" {
			data["output"] = out
		}

	default:
		return Result{}, fmt.Errorf("%w: %s has no %s procedure", ErrUnsupportedAction, d.Name, act)
	}

	return Result{Message: d.Label() + " " + outcome(act), Data: data}, nil
}

func (c *Controller) launch(ctx context.Context, d ServiceDescriptor) (int, error) {
	return c.exec.Launch(ctx,
		executor.LaunchService{Service: d.Name, Dir: d.WorkDir},
		executor.LaunchOptions{LogFile: d.LogFile},
	)
}

// portProcess signals whatever owns opts.Port. Restart only stops: the
// owner is unknown, so there is nothing to relaunch.
func (c *Controller) portProcess(ctx context.Context, act Action, opts Options) (Result, error) {
	term, err := c.ports.TerminateOwner(ctx, opts.Port, opts.Force)
	if err != nil {
		return Result{}, err
	}
	data := map[string]any{
		"port":       opts.Port,
		"action":     string(act),
		"terminated": term.Terminated,
	}
	if term.PID > 0 {
		data["pid"] = term.PID
	}
	return Result{
		Message: fmt.Sprintf("Process on port %d %s", opts.Port, act),
		Data:    data,
	}, nil
}

// AwaitReady blocks until the named service's port is listening.
func (c *Controller) AwaitReady(ctx context.Context, name string, timeout time.Duration) error {
	d, ok := c.services[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	if d.Port == 0 {
		return fmt.Errorf("%w: %s", ErrNoReadinessPort, name)
	}
	return c.ports.AwaitListening(ctx, d.Port, timeout)
}

func (c *Controller) record(ctx context.Context, name, action string, opts Options, err error) {
	metric := observability.OutcomeSuccess
	auditOutcome := extensions.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		metric = observability.OutcomeConflict
		auditOutcome = extensions.OutcomeRejected
	case errors.Is(err, ErrUnknownService), errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrMissingPort), errors.Is(err, ErrUnsupportedAction),
		errors.Is(err, executor.ErrInvalidParameter):
		metric = observability.OutcomeInvalid
		auditOutcome = extensions.OutcomeRejected
	default:
		metric = observability.OutcomeFailure
		auditOutcome = extensions.OutcomeFailure
	}
	target, verb := name, action
	if _, known := c.services[name]; !known && name != PortProcess {
		target = "unknown"
	}
	if _, perr := ParseAction(action); perr != nil {
		verb = "unknown"
	}
	c.metrics.RecordControlAction(target, verb, metric)

	meta := map[string]any{"force": opts.Force}
	if opts.Port != 0 {
		meta["port"] = opts.Port
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	_ = c.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "service.control",
		Timestamp:    time.Now().UTC(),
		UserID:       opts.UserID,
		Action:       action,
		ResourceType: "service",
		ResourceID:   name,
		Outcome:      auditOutcome,
		Metadata:     meta,
	})
}

func composeAction(p Procedure) executor.ComposeAction {
	switch p {
	case ProcComposeUp:
		return executor.ComposeUp
	case ProcComposeDown:
		return executor.ComposeDown
	}
	return executor.ComposeRestart
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
