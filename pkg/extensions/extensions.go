// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable collaborators around hostops:
// who is calling (AuthProvider) and where privileged actions are recorded
// (AuditLogger). Default implementations are deliberately minimal.
package extensions

// ServiceOptions bundles the extension points used by the HTTP surface.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(tokenProvider).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
type ServiceOptions struct {
	AuthProvider AuthProvider
	AuditLogger  AuditLogger
}

// DefaultOptions returns options backed by no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy with the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy with the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
