// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hostops/pkg/validation"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "HOSTOPS_"

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = validation.RegisterValidators(configValidate)
}

// Load reads path over DefaultConfig, applies HOSTOPS_* overrides and
// validates the result. An empty path or a missing file yields the
// defaults plus overrides.
func Load(path string) (HostopsConfig, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (HostopsConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return HostopsConfig{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return HostopsConfig{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return HostopsConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return HostopsConfig{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg HostopsConfig) error {
	if err := configValidate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(cfg.RateLimits))
	for _, p := range cfg.RateLimits {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: rate limit %q defined twice", p.Name)
		}
		seen[p.Name] = true
	}
	var errs []error
	for _, d := range cfg.Services {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv applies the supported overrides:
//
//	HOSTOPS_LISTEN            server.listen
//	HOSTOPS_PREFIX            server.prefix
//	HOSTOPS_AUTH_TOKEN        one admin token; switches auth.mode to static
//	HOSTOPS_LOG_LEVEL         logging.level
//	HOSTOPS_LOG_DIR           logging.dir
//	HOSTOPS_OTLP_ENDPOINT     tracing.otlp_endpoint
//	HOSTOPS_DB_PORT           database.port
//	HOSTOPS_PM2_APPS          supervisor.apps (comma separated)
//	HOSTOPS_LOCK_DIR          instance.lock_dir
func applyEnv(cfg *HostopsConfig, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &cfg.Server.Listen)
	str("PREFIX", &cfg.Server.Prefix)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_DIR", &cfg.Logging.Dir)
	str("OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	str("LOCK_DIR", &cfg.Instance.LockDir)

	if v, ok := lookup(EnvPrefix + "AUTH_TOKEN"); ok && v != "" {
		cfg.Auth.Mode = AuthStatic
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, TokenConfig{Token: v, User: "env-admin"})
	}
	if v, ok := lookup(EnvPrefix + "DB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sDB_PORT: %w", EnvPrefix, err)
		}
		cfg.Database.Port = port
	}
	if v, ok := lookup(EnvPrefix + "PM2_APPS"); ok {
		apps := []string{}
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				apps = append(apps, a)
			}
		}
		cfg.Supervisor.Apps = apps
	}
	return nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
