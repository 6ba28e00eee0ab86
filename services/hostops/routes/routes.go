// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/services/hostops/handlers"
	"github.com/AleutianAI/hostops/services/hostops/middleware"
	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ratelimit"
)

// DefaultPrefix is where the admin API is mounted.
const DefaultPrefix = "/api/admin"

// Dependencies is everything SetupRoutes wires into handlers.
type Dependencies struct {
	Controller handlers.ServiceController
	Supervisor handlers.Supervisor
	Ports      handlers.PortMonitor
	Prober     handlers.HostProber

	Auth     extensions.AuthProvider
	Limiter  *ratelimit.Limiter
	Policies middleware.PolicySource

	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// Prefix defaults to DefaultPrefix.
	Prefix        string
	ActionTimeout time.Duration
	Version       string
}

// NewEngine creates a gin engine with panic recovery and otel tracing.
// X-Forwarded-For is honoured only from trustedProxies; nil trusts none,
// so rate limiting keys on the socket address.
func NewEngine(serviceName string, trustedProxies []string) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, err
	}
	return router, nil
}

// SetupRoutes mounts the health, metrics and admin routes on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Prefix == "" {
		deps.Prefix = DefaultPrefix
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	logger := deps.Logger

	router.GET("/health", handlers.HandleHealth(deps.Version))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	})

	limit := func(policy string) gin.HandlerFunc {
		return middleware.RateLimit(deps.Limiter, deps.Policies, policy, deps.Metrics, logger)
	}

	admin := router.Group(deps.Prefix)
	admin.Use(
		middleware.RequestID(),
		middleware.AccessLog(logger),
		middleware.AuthMiddleware(deps.Auth),
		middleware.RequireRole(extensions.RoleAdmin),
	)
	{
		admin.POST("/service", limit(ratelimit.PolicyMutating),
			handlers.HandleServiceControl(deps.Controller, deps.ActionTimeout, logger))
		admin.GET("/service/:name/ready", limit(ratelimit.PolicyPolling),
			handlers.HandleServiceReady(deps.Controller, logger))

		admin.GET("/server-stats", limit(ratelimit.PolicyPolling),
			handlers.HandleServerStats(deps.Prober, deps.Supervisor, deps.Ports))
		admin.GET("/ports", limit(ratelimit.PolicyPolling), handlers.HandlePorts(deps.Ports))
		admin.GET("/processes", limit(ratelimit.PolicyPolling), handlers.HandleProcesses(deps.Prober, logger))

		pm2 := admin.Group("/pm2")
		{
			pm2.GET("", limit(ratelimit.PolicyPolling), handlers.HandlePM2List(deps.Supervisor))
			pm2.POST("", limit(ratelimit.PolicySupervisor),
				handlers.HandlePM2Action(deps.Supervisor, deps.ActionTimeout, logger))
		}
	}
}
