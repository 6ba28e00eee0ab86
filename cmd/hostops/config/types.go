// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the hostops daemon configuration.
//
// A YAML file is merged over DefaultConfig, HOSTOPS_* environment variables
// are applied on top, and the result is validated. Rate-limit policies can
// be reloaded from the same file while the daemon runs (see Watch).
package config

import (
	"time"

	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/services/hostops/control"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/ports"
	"github.com/AleutianAI/hostops/services/hostops/probes"
	"github.com/AleutianAI/hostops/services/hostops/ratelimit"
	"github.com/AleutianAI/hostops/services/hostops/routes"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthStatic = "static"
)

// HostopsConfig is the whole daemon configuration.
type HostopsConfig struct {
	Server     ServerConfig                `yaml:"server"`
	Auth       AuthConfig                  `yaml:"auth"`
	Executor   ExecutorConfig              `yaml:"executor"`
	RateLimits []PolicyConfig              `yaml:"rate_limits" validate:"required,min=1,dive"`
	Services   []control.ServiceDescriptor `yaml:"services" validate:"dive"`
	Ports      []ports.MonitoredPort       `yaml:"ports" validate:"dive"`
	Supervisor SupervisorConfig            `yaml:"supervisor"`
	Database   DatabaseConfig              `yaml:"database"`
	Logging    LoggingConfig               `yaml:"logging"`
	Tracing    TracingConfig               `yaml:"tracing"`
	Instance   InstanceConfig              `yaml:"instance"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	// Listen is host:port. Default: 127.0.0.1:8787.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// Prefix mounts the admin API. Default: /api/admin.
	Prefix string `yaml:"prefix" validate:"required,startswith=/"`

	// TrustedProxies may set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,cidr|ip"`

	// ActionTimeout bounds one lifecycle action.
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"min=1s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// AuthConfig selects the AuthProvider.
type AuthConfig struct {
	Mode   string        `yaml:"mode" validate:"oneof=none static"`
	Tokens []TokenConfig `yaml:"tokens" validate:"required_if=Mode static,dive"`
}

// TokenConfig is one static bearer token.
type TokenConfig struct {
	Token string   `yaml:"token" validate:"required,min=16"`
	User  string   `yaml:"user" validate:"required"`
	Roles []string `yaml:"roles"`
}

// ExecutorConfig bounds child processes.
type ExecutorConfig struct {
	Timeout        time.Duration `yaml:"timeout" validate:"min=1s"`
	MaxOutputBytes int           `yaml:"max_output_bytes" validate:"min=1024"`
	SpawnRate      float64       `yaml:"spawn_rate" validate:"gt=0"`
	SpawnBurst     int           `yaml:"spawn_burst" validate:"min=1"`
}

// PolicyConfig is one named rate-limit policy.
type PolicyConfig struct {
	Name   string        `yaml:"name" validate:"required,oneof=mutating supervisor polling"`
	Max    int           `yaml:"max" validate:"min=1"`
	Window time.Duration `yaml:"window" validate:"min=1s"`
}

// SupervisorConfig is the pm2 allow-list.
type SupervisorConfig struct {
	Apps         []string `yaml:"apps" validate:"dive,identifier"`
	SelfApp      string   `yaml:"self_app" validate:"omitempty,identifier"`
	RestartPolls uint     `yaml:"restart_polls" validate:"max=20"`
}

// DatabaseConfig is the local database probed by /server-stats.
type DatabaseConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

// TracingConfig configures OTLP export. An empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	ServiceName  string `yaml:"service_name" validate:"required"`
}

// InstanceConfig locates the single-instance lock.
type InstanceConfig struct {
	LockDir string `yaml:"lock_dir"`
}

// DefaultConfig returns a loopback-only configuration with the built-in
// services, ports and rate limits.
func DefaultConfig() HostopsConfig {
	policies := ratelimit.DefaultPolicies()
	limits := make([]PolicyConfig, 0, len(policies))
	for _, p := range policies {
		limits = append(limits, PolicyConfig{Name: p.Name, Max: p.Max, Window: p.Window})
	}
	return HostopsConfig{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8787",
			Prefix:          routes.DefaultPrefix,
			ActionTimeout:   2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{Mode: AuthNone},
		Executor: ExecutorConfig{
			Timeout:        executor.DefaultTimeout,
			MaxOutputBytes: executor.DefaultMaxOutputBytes,
			SpawnRate:      executor.DefaultSpawnRate,
			SpawnBurst:     executor.DefaultSpawnBurst,
		},
		RateLimits: limits,
		Services:   control.DefaultServices(),
		Ports:      ports.DefaultCatalogue(),
		Supervisor: SupervisorConfig{
			Apps:         []string{},
			RestartPolls: 4,
		},
		Database: DatabaseConfig{Port: probes.DefaultDatabasePort},
		Logging:  LoggingConfig{Level: "info", Format: "auto"},
		Tracing:  TracingConfig{ServiceName: "hostops"},
	}
}

// Policies converts RateLimits for the limiter.
func (c HostopsConfig) Policies() []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(c.RateLimits))
	for _, p := range c.RateLimits {
		out = append(out, ratelimit.Policy{Name: p.Name, Max: p.Max, Window: p.Window})
	}
	return out
}

// StaticTokens converts Auth.Tokens for extensions.NewStaticTokenProvider.
// Tokens without roles get the admin role.
func (c HostopsConfig) StaticTokens() []extensions.StaticToken {
	out := make([]extensions.StaticToken, 0, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		roles := t.Roles
		if len(roles) == 0 {
			roles = []string{extensions.RoleAdmin}
		}
		out = append(out, extensions.StaticToken{Token: t.Token, UserID: t.User, Roles: roles})
	}
	return out
}
