// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the admin
// HTTP surface.
package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/hostops/pkg/validation"
	"github.com/AleutianAI/hostops/services/hostops/ports"
	"github.com/AleutianAI/hostops/services/hostops/probes"
	"github.com/AleutianAI/hostops/services/hostops/supervisor"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// adminValidate is the validator for admin request bodies. It knows the
// "identifier" tag.
var adminValidate *validator.Validate

func init() {
	adminValidate = validator.New()
	_ = validation.RegisterValidators(adminValidate)
}

// describe turns validator errors into one readable line.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", validation.ErrInvalid, strings.Join(parts, "; "))
}

// =============================================================================
// Service Control
// =============================================================================

// ServiceOptions are the optional knobs of a service action.
type ServiceOptions struct {
	Port  int  `json:"port" validate:"omitempty,min=1,max=65535"`
	Force bool `json:"force"`
}

// ServiceRequest is the body of POST /service.
//
// # Validation
//
//   - Action: one of start, stop, restart
//   - Service: a configured service name or "port-process"
//   - Options.Port: 1-65535 when present; required for port-process
//     (checked by the controller)
type ServiceRequest struct {
	Action  string          `json:"action" validate:"required,oneof=start stop restart"`
	Service string          `json:"service" validate:"required,identifier"`
	Options *ServiceOptions `json:"options"`
}

// Validate checks the request body.
func (r *ServiceRequest) Validate() error {
	return describe(adminValidate.Struct(r))
}

// ServiceResponse is the success body of POST /service.
type ServiceResponse struct {
	Success bool           `json:"success"`
	Service string         `json:"service"`
	Action  string         `json:"action"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ReadyResponse is the body of GET /service/:name/ready.
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// =============================================================================
// Supervisor
// =============================================================================

// PM2Request is the body of POST /pm2.
type PM2Request struct {
	Action  string `json:"action" validate:"required,oneof=start stop restart delete logs describe"`
	AppName string `json:"appName" validate:"required,identifier"`
	Lines   int    `json:"lines" validate:"omitempty,min=1,max=1000"`
	Confirm bool   `json:"confirm"`
}

// Validate checks the request body.
func (r *PM2Request) Validate() error {
	return describe(adminValidate.Struct(r))
}

// PM2Response is the success body of POST /pm2.
type PM2Response struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	AppName   string    `json:"appName"`
	Result    string    `json:"result"`
	Message   string    `json:"message"`
	Online    *bool     `json:"online,omitempty"`
}

// PM2ListResponse is the body of GET /pm2.
type PM2ListResponse struct {
	Success   bool                        `json:"success"`
	Timestamp time.Time                   `json:"timestamp"`
	Processes []supervisor.ManagedProcess `json:"processes"`
	Count     int                         `json:"count"`
}

// =============================================================================
// Host State
// =============================================================================

// ServerStatsResponse is the body of GET /server-stats.
type ServerStatsResponse struct {
	Success   bool                        `json:"success"`
	Timestamp time.Time                   `json:"timestamp"`
	System    probes.System               `json:"system"`
	CPU       probes.CPU                  `json:"cpu"`
	Memory    probes.Memory               `json:"memory"`
	Disk      probes.Disk                 `json:"disk"`
	Load      probes.Load                 `json:"load"`
	Network   probes.Network              `json:"network"`
	Database  probes.Database             `json:"database"`
	Services  []supervisor.ManagedProcess `json:"services"`
	Ports     []ports.PortStatus          `json:"ports"`
}

// PortsResponse is the body of GET /ports.
type PortsResponse struct {
	Ports []ports.PortStatus `json:"ports"`
}

// ProcessesResponse is the body of GET /processes.
type ProcessesResponse struct {
	Success   bool                 `json:"success"`
	Timestamp time.Time            `json:"timestamp"`
	Filter    string               `json:"filter,omitempty"`
	Processes []probes.ProcessInfo `json:"processes"`
	Count     int                  `json:"count"`
}

// ErrorResponse is the body of every failed request. Message repeats
// Error so dashboards can toast every outcome the same way.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}
