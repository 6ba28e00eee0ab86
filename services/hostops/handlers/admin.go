// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers of the admin API.
//
// Handlers are closures over small interfaces so tests can drive them with
// real components on top of a MockRunner, or with fakes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/hostops/services/hostops/control"
	"github.com/AleutianAI/hostops/services/hostops/datatypes"
	"github.com/AleutianAI/hostops/services/hostops/middleware"
	"github.com/AleutianAI/hostops/services/hostops/ports"
	"github.com/AleutianAI/hostops/services/hostops/probes"
	"github.com/AleutianAI/hostops/services/hostops/supervisor"
)

// =============================================================================
// Collaborators
// =============================================================================

// ServiceController runs lifecycle actions on named services.
type ServiceController interface {
	Control(ctx context.Context, name, action string, opts control.Options) (control.Result, error)
	AwaitReady(ctx context.Context, name string, timeout time.Duration) error
}

// Supervisor is the pm2 proxy.
type Supervisor interface {
	List(ctx context.Context) []supervisor.ManagedProcess
	Control(ctx context.Context, app, action string, opts supervisor.ControlOptions) (supervisor.Result, error)
	TailLogs(ctx context.Context, app string, lines int) (string, error)
	Describe(ctx context.Context, app string) (string, error)
}

// PortMonitor reports the monitored ports.
type PortMonitor interface {
	Snapshot(ctx context.Context) []ports.PortStatus
}

// HostProber reads host resources.
type HostProber interface {
	Snapshot(ctx context.Context) probes.Snapshot
	Processes(ctx context.Context, filter string) ([]probes.ProcessInfo, error)
}

const (
	// DefaultActionTimeout bounds a lifecycle action once it has been
	// detached from the request.
	DefaultActionTimeout = 2 * time.Minute

	// MaxReadyTimeout caps the ?timeout= of the readiness endpoint.
	MaxReadyTimeout = time.Minute

	maxFilterLength = 64
)

// detach returns a context that survives the client going away. Issued
// actions always run to completion or timeout.
func detach(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), timeout)
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth reports liveness. It touches no host state.
func HandleHealth(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"version":   version,
			"timestamp": time.Now().UTC(),
		})
	}
}

// =============================================================================
// Service Control
// =============================================================================

// HandleServiceControl handles POST /service.
//
// # Description
//
// Binds and validates a datatypes.ServiceRequest, then runs the action
// through the controller on a context detached from the request. The
// caller's user id is passed along for the audit trail.
//
// # Responses
//
//   - 200 datatypes.ServiceResponse
//   - 400 malformed body, validation failure, unknown service or action,
//     missing port for port-process
//   - 409 a different action is already running for the service
//   - 500 the action failed on the host
func HandleServiceControl(ctl ServiceController, timeout time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ServiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeMessage(c, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(c, logger, err)
			return
		}

		opts := control.Options{UserID: middleware.UserID(c)}
		if req.Options != nil {
			opts.Port = req.Options.Port
			opts.Force = req.Options.Force
		}

		ctx, cancel := detach(c, timeout)
		defer cancel()
		res, err := ctl.Control(ctx, req.Service, req.Action, opts)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ServiceResponse{
			Success: true,
			Service: req.Service,
			Action:  req.Action,
			Message: res.Message,
			Data:    res.Data,
		})
	}
}

// HandleServiceReady handles GET /service/:name/ready?timeout=10s.
// It answers 200 once the service's port listens and 504 when it does
// not within the timeout.
func HandleServiceReady(ctl ServiceController, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		timeout := ports.DefaultAwaitTimeout
		if raw := c.Query("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 || d > MaxReadyTimeout {
				writeMessage(c, http.StatusBadRequest, "timeout must be a duration between 0s and "+MaxReadyTimeout.String())
				return
			}
			timeout = d
		}

		ctx, cancel := detach(c, timeout+5*time.Second)
		defer cancel()
		if err := ctl.AwaitReady(ctx, name, timeout); err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				logger.Error("readiness check failed", "service", name, "error", err)
			}
			c.JSON(status, datatypes.ReadyResponse{Ready: false, Service: name, Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.ReadyResponse{Ready: true, Service: name})
	}
}

// =============================================================================
// Host State
// =============================================================================

// HandleServerStats handles GET /server-stats. Host probes, the pm2 list
// and the port snapshot are gathered concurrently; none of them fails the
// request.
func HandleServerStats(prober HostProber, pm2 Supervisor, mon PortMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var (
			snap  probes.Snapshot
			procs []supervisor.ManagedProcess
			stats []ports.PortStatus
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { snap = prober.Snapshot(gctx); return nil })
		g.Go(func() error { procs = pm2.List(gctx); return nil })
		g.Go(func() error { stats = mon.Snapshot(gctx); return nil })
		_ = g.Wait()

		c.JSON(http.StatusOK, datatypes.ServerStatsResponse{
			Success:   true,
			Timestamp: time.Now().UTC(),
			System:    snap.System,
			CPU:       snap.CPU,
			Memory:    snap.Memory,
			Disk:      snap.Disk,
			Load:      snap.Load,
			Network:   snap.Network,
			Database:  snap.Database,
			Services:  procs,
			Ports:     stats,
		})
	}
}

// HandlePorts handles GET /ports.
func HandlePorts(mon PortMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.PortsResponse{Ports: mon.Snapshot(c.Request.Context())})
	}
}

// HandleProcesses handles GET /processes?filter=. The filter is only
// matched against ps output and never reaches a command line.
func HandleProcesses(prober HostProber, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := c.Query("filter")
		if len(filter) > maxFilterLength {
			writeMessage(c, http.StatusBadRequest, "filter is too long")
			return
		}
		procs, err := prober.Processes(c.Request.Context(), filter)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ProcessesResponse{
			Success:   true,
			Timestamp: time.Now().UTC(),
			Filter:    filter,
			Processes: procs,
			Count:     len(procs),
		})
	}
}

// =============================================================================
// Supervisor
// =============================================================================

// HandlePM2List handles GET /pm2. An unreachable pm2 yields an empty list.
func HandlePM2List(pm2 Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		procs := pm2.List(c.Request.Context())
		c.JSON(http.StatusOK, datatypes.PM2ListResponse{
			Success:   true,
			Timestamp: time.Now().UTC(),
			Processes: procs,
			Count:     len(procs),
		})
	}
}

// HandlePM2Action handles POST /pm2.
//
// # Description
//
// start, stop, restart and delete go through Supervisor.Control (delete
// needs "confirm": true). logs and describe are read-only and return the
// pm2 output in "result".
//
// # Responses
//
//   - 200 datatypes.PM2Response
//   - 400 malformed body, validation failure, app not allowed, delete
//     without confirmation
//   - 500 pm2 failed
func HandlePM2Action(pm2 Supervisor, timeout time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PM2Request
		if err := c.ShouldBindJSON(&req); err != nil {
			writeMessage(c, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(c, logger, err)
			return
		}

		ctx, cancel := detach(c, timeout)
		defer cancel()

		resp := datatypes.PM2Response{
			Success: true,
			Action:  req.Action,
			AppName: req.AppName,
		}
		switch req.Action {
		case "logs":
			out, err := pm2.TailLogs(ctx, req.AppName, req.Lines)
			if err != nil {
				writeError(c, logger, err)
				return
			}
			resp.Result = out
			resp.Message = "Retrieved logs for " + req.AppName
		case "describe":
			out, err := pm2.Describe(ctx, req.AppName)
			if err != nil {
				writeError(c, logger, err)
				return
			}
			resp.Result = out
			resp.Message = "Retrieved description of " + req.AppName
		default:
			res, err := pm2.Control(ctx, req.AppName, req.Action, supervisor.ControlOptions{
				Confirm: req.Confirm,
				UserID:  middleware.UserID(c),
			})
			if err != nil {
				writeError(c, logger, err)
				return
			}
			resp.Result = res.Output
			resp.Message = res.Message
			resp.Online = res.Online
		}
		resp.Timestamp = time.Now().UTC()
		c.JSON(http.StatusOK, resp)
	}
}
