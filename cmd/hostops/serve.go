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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/hostops/cmd/hostops/config"
	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/pkg/logging"
	"github.com/AleutianAI/hostops/services/hostops/control"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/instance"
	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ratelimit"
	"github.com/AleutianAI/hostops/services/hostops/routes"
)

// ErrOpenNonLoopback is returned when auth is disabled on an address other
// hosts can reach.
var ErrOpenNonLoopback = errors.New("auth.mode is none but server.listen is not a loopback address; " +
	"configure static tokens or pass --allow-unauthenticated")

// janitorInterval is how often idle rate-limit buckets are swept.
const janitorInterval = time.Minute

// serveOptions holds what runServe takes from the process environment.
// Tests substitute each field.
type serveOptions struct {
	Runner               executor.Runner
	ConfigPath           string
	AllowUnauthenticated bool
	Registerer           prometheus.Registerer
	Gatherer             prometheus.Gatherer

	// LogOutput overrides the console log destination.
	LogOutput io.Writer

	// OnListen is called with the bound address once the server accepts
	// connections.
	OnListen func(net.Addr)
}

func runServe(cmd *cobra.Command, _ []string) error {
	allowOpen, _ := cmd.Flags().GetBool("allow-unauthenticated")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, serveOptions{
		Runner:               executor.NewDefaultRunner(),
		ConfigPath:           configPath,
		AllowUnauthenticated: allowOpen,
		Registerer:           prometheus.DefaultRegisterer,
		Gatherer:             prometheus.DefaultGatherer,
		OnListen: func(addr net.Addr) {
			printer.Success(fmt.Sprintf("hostops %s listening on %s", version, addr))
		},
	})
}

// serve runs the admin API until ctx is done.
//
// # Description
//
// Startup order:
//  1. Logger, then the single-instance lock (fails fast if another
//     daemon holds it).
//  2. Tracing and metrics.
//  3. Executor and the components built on it.
//  4. Auth provider, limiter and policy set; the config watcher swaps
//     policies on file change.
//  5. HTTP server. Shutdown waits up to server.shutdown_timeout for
//     in-flight requests.
func serve(ctx context.Context, c config.HostopsConfig, opts serveOptions) error {
	logger, err := newLogger(c.Logging, opts.LogOutput)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	lock := instance.New(instance.Config{Dir: c.Instance.LockDir})
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()
	log.Debug("instance lock acquired", "path", lock.Path())

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		Endpoint:    c.Tracing.OTLPEndpoint,
		ServiceName: c.Tracing.ServiceName,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	metrics := observability.NewMetrics(opts.Registerer)

	auth, err := authProvider(c, opts.AllowUnauthenticated)
	if err != nil {
		return err
	}
	ext := extensions.DefaultOptions().
		WithAuth(auth).
		WithAudit(extensions.NewSlogAuditLogger(log))
	defer ext.AuditLogger.Flush(context.Background())

	tools := newHostTools(opts.Runner, c, log, metrics, ext.AuditLogger)
	ctl, err := control.New(tools.exec, tools.monitor, control.Config{
		Services: c.Services,
		Logger:   log,
		Metrics:  metrics,
		Audit:    ext.AuditLogger,
	})
	if err != nil {
		return fmt.Errorf("service table: %w", err)
	}

	limiter := ratelimit.New()
	go limiter.RunJanitor(ctx, janitorInterval)

	policies, err := ratelimit.NewPolicySet(c.Policies())
	if err != nil {
		return err
	}
	if opts.ConfigPath != "" {
		go watchPolicies(ctx, opts.ConfigPath, policies, log)
	}

	if c.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := routes.NewEngine(c.Tracing.ServiceName, c.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	routes.SetupRoutes(router, routes.Dependencies{
		Controller:    ctl,
		Supervisor:    tools.pm2,
		Ports:         tools.monitor,
		Prober:        tools.prober,
		Auth:          ext.AuthProvider,
		Limiter:       limiter,
		Policies:      policies,
		Gatherer:      opts.Gatherer,
		Metrics:       metrics,
		Logger:        log,
		Prefix:        c.Server.Prefix,
		ActionTimeout: c.Server.ActionTimeout,
		Version:       version,
	})

	ln, err := net.Listen("tcp", c.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Server.Listen, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("hostops listening",
		"addr", ln.Addr().String(),
		"prefix", c.Server.Prefix,
		"auth", c.Auth.Mode,
		"version", version)
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", c.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// watchPolicies applies rate-limit changes from the config file. Other
// settings need a restart.
func watchPolicies(ctx context.Context, path string, policies *ratelimit.PolicySet, log *slog.Logger) {
	err := config.Watch(ctx, path, config.DefaultReloadDebounce, func(next config.HostopsConfig) {
		if err := policies.Replace(next.Policies()); err != nil {
			log.Error("rate limit reload rejected", "error", err)
			return
		}
		log.Info("rate limits reloaded", "policies", len(next.RateLimits))
	}, log)
	if err != nil {
		log.Warn("config hot reload disabled", "path", path, "error", err)
	}
}

// authProvider builds the provider selected by auth.mode.
func authProvider(c config.HostopsConfig, allowOpen bool) (extensions.AuthProvider, error) {
	if c.Auth.Mode == config.AuthStatic {
		p, err := extensions.NewStaticTokenProvider(c.StaticTokens())
		if err != nil {
			return nil, fmt.Errorf("auth tokens: %w", err)
		}
		return p, nil
	}
	if !isLoopback(c.Server.Listen) && !allowOpen {
		return nil, ErrOpenNonLoopback
	}
	return &extensions.NopAuthProvider{}, nil
}

// isLoopback reports whether a host:port listen address only accepts local
// connections. An empty host binds every interface.
func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// newLogger maps LoggingConfig onto pkg/logging.
func newLogger(c config.LoggingConfig, out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatAuto
	switch c.Format {
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	}
	lc := logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: "hostops",
		Format:  format,
	}
	if out != nil {
		lc.Output = out
	}
	return logging.New(lc), nil
}
