// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor proxies list and lifecycle requests to pm2.
//
// # Description
//
// The proxy holds no state of its own: every List reads `pm2 jlist`.
// Lifecycle actions are limited to a configured allow-list of app names.
// Deleting an app removes it from pm2 entirely and requires an explicit
// confirmation flag.
//
// After a restart the proxy polls pm2 a few times with exponential backoff
// until the app reports online. The app serving this daemon's own
// dashboard (SelfApp) is not polled: its restart takes the dashboard down
// with it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/observability"
)

var (
	ErrUnknownApp           = errors.New("app is not in the allow-list")
	ErrUnknownAction        = errors.New("unknown supervisor action")
	ErrConfirmationRequired = errors.New("delete requires confirmation")
	errNotOnline            = errors.New("app not online yet")
)

const (
	// DefaultLogLines is used by TailLogs when lines is zero.
	DefaultLogLines = 100

	// DefaultRestartPolls is how many times a restarted app is checked.
	DefaultRestartPolls = 4
)

// CommandExecutor is the subset of executor.Executor the proxy needs.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd executor.Command) (string, error)
}

// Config configures a Proxy.
type Config struct {
	// Apps is the allow-list of pm2 app names that may be controlled.
	Apps []string

	// SelfApp is the pm2 app hosting the dashboard, if any.
	SelfApp string

	// RestartPolls bounds post-restart polling. Default: 4.
	RestartPolls uint

	// RestartPollInterval is the first backoff interval. Default: 500ms.
	RestartPollInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Audit   extensions.AuditLogger
}

// ControlOptions are per-request options for Control.
type ControlOptions struct {
	// Confirm must be set for delete.
	Confirm bool

	// UserID is recorded in the audit trail.
	UserID string
}

// Result is the outcome of a lifecycle action.
type Result struct {
	Action  string `json:"action"`
	App     string `json:"appName"`
	Output  string `json:"result"`
	Message string `json:"message"`

	// Online is set after a polled restart.
	Online *bool `json:"online,omitempty"`
}

// Proxy talks to pm2 through the executor.
type Proxy struct {
	exec     CommandExecutor
	apps     []string
	self     string
	polls    uint
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	audit    extensions.AuditLogger
	now      func() time.Time
}

// New creates a Proxy.
func New(exec CommandExecutor, cfg Config) *Proxy {
	if cfg.RestartPolls == 0 {
		cfg.RestartPolls = DefaultRestartPolls
	}
	if cfg.RestartPollInterval <= 0 {
		cfg.RestartPollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = extensions.NewSlogAuditLogger(cfg.Logger)
	}
	return &Proxy{
		exec:     exec,
		apps:     slices.Clone(cfg.Apps),
		self:     cfg.SelfApp,
		polls:    cfg.RestartPolls,
		interval: cfg.RestartPollInterval,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		now:      time.Now,
	}
}

// Apps returns the allow-list.
func (p *Proxy) Apps() []string {
	return slices.Clone(p.apps)
}

// List returns every process pm2 knows about. It never fails: when pm2 is
// missing, stopped or prints something unparsable the list is empty.
func (p *Proxy) List(ctx context.Context) []ManagedProcess {
	out, err := p.exec.Execute(ctx, executor.PM2List{})
	if err != nil {
		p.logger.Warn("pm2 list unavailable", "error", err)
		return []ManagedProcess{}
	}
	procs, err := parseJList(out, p.now())
	if err != nil {
		p.logger.Warn("pm2 list unparsable", "error", err)
		return []ManagedProcess{}
	}
	return procs
}

// Control applies action to app.
func (p *Proxy) Control(ctx context.Context, app, action string, opts ControlOptions) (Result, error) {
	res, err := p.control(ctx, app, action, opts)
	p.record(ctx, app, action, opts, err)
	return res, err
}

func (p *Proxy) control(ctx context.Context, app, action string, opts ControlOptions) (Result, error) {
	act := executor.PM2Action(action)
	if !act.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err := p.checkApp(app); err != nil {
		return Result{}, err
	}
	if act == executor.PM2Delete && !opts.Confirm {
		return Result{}, ErrConfirmationRequired
	}

	out, err := p.exec.Execute(ctx, executor.PM2Control{Action: act, App: app})
	if err != nil {
		return Result{}, fmt.Errorf("pm2 %s %s: %w", act, app, err)
	}
	res := Result{
		Action:  action,
		App:     app,
		Output:  out,
		Message: fmt.Sprintf("Successfully executed %s on %s", act, app),
	}
	if act != executor.PM2Restart {
		return res, nil
	}

	if app == p.self {
		res.Message += "; the dashboard may be unreachable for a few seconds"
		return res, nil
	}
	online := p.awaitOnline(ctx, app)
	res.Online = &online
	if !online {
		res.Message += "; not online yet"
	}
	return res, nil
}

// awaitOnline polls pm2 until app is online or the polls are used up.
func (p *Proxy) awaitOnline(ctx context.Context, app string) bool {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.interval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		for _, proc := range p.List(ctx) {
			if proc.Name == app && proc.Status == StatusOnline {
				return struct{}{}, nil
			}
		}
		return struct{}{}, errNotOnline
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(p.polls),
	)
	if err != nil {
		p.logger.Warn("app not online after restart", "app", app, "polls", p.polls, "error", err)
		return false
	}
	return true
}

// TailLogs returns the last lines of app's logs. Zero lines means
// DefaultLogLines.
func (p *Proxy) TailLogs(ctx context.Context, app string, lines int) (string, error) {
	if err := p.checkApp(app); err != nil {
		return "", err
	}
	if lines == 0 {
		lines = DefaultLogLines
	}
	return p.exec.Execute(ctx, executor.PM2Logs{App: app, Lines: lines})
}

// Describe returns pm2's description of app.
func (p *Proxy) Describe(ctx context.Context, app string) (string, error) {
	if err := p.checkApp(app); err != nil {
		return "", err
	}
	return p.exec.Execute(ctx, executor.PM2Describe{App: app})
}

func (p *Proxy) checkApp(app string) error {
	if !slices.Contains(p.apps, app) {
		return fmt.Errorf("%w: %q (allowed: %v)", ErrUnknownApp, app, p.apps)
	}
	return nil
}

func (p *Proxy) record(ctx context.Context, app, action string, opts ControlOptions, err error) {
	metric := observability.OutcomeSuccess
	auditOutcome := extensions.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownApp), errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrConfirmationRequired), errors.Is(err, executor.ErrInvalidParameter):
		metric = observability.OutcomeInvalid
		auditOutcome = extensions.OutcomeRejected
	default:
		metric = observability.OutcomeFailure
		auditOutcome = extensions.OutcomeFailure
	}

	verb := action
	if !executor.PM2Action(action).Valid() {
		verb = "unknown"
	}
	p.metrics.RecordControlAction("supervisor", verb, metric)

	meta := map[string]any{"confirm": opts.Confirm}
	if err != nil {
		meta["error"] = err.Error()
	}
	_ = p.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "supervisor.control",
		Timestamp:    p.now().UTC(),
		UserID:       opts.UserID,
		Action:       action,
		ResourceType: "pm2-app",
		ResourceID:   app,
		Outcome:      auditOutcome,
		Metadata:     meta,
	})
}
