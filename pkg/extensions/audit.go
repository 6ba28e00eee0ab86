// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// AuditEvent records one privileged action against the host.
//
// Example:
//
//	AuditEvent{
//	    EventType:    "service.control",
//	    UserID:       "ops-oncall",
//	    Action:       "restart",
//	    ResourceType: "service",
//	    ResourceID:   "app-server",
//	    Outcome:      OutcomeSuccess,
//	}
type AuditEvent struct {
	EventType    string
	Timestamp    time.Time
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Metadata     map[string]any
}

// AuditLogger receives audit events for every state-changing action.
//
// Persistence is left to implementations. Log must not block the caller
// for long; implementations that write remotely should buffer.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Flush(ctx context.Context) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error { return nil }
func (l *NopAuditLogger) Flush(ctx context.Context) error                 { return nil }

// SlogAuditLogger writes each event as a structured log record under the
// "audit" group. This is the default sink for hostops serve.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger wraps logger. A nil logger falls back to slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log emits the event at Info (success) or Warn (anything else).
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	level := slog.LevelInfo
	if event.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "audit",
		slog.Group("audit",
			slog.String("event_type", event.EventType),
			slog.Time("timestamp", event.Timestamp),
			slog.String("user_id", event.UserID),
			slog.String("action", event.Action),
			slog.String("resource_type", event.ResourceType),
			slog.String("resource_id", event.ResourceID),
			slog.String("outcome", event.Outcome),
			slog.Any("metadata", event.Metadata),
		),
	)
	return nil
}

func (l *SlogAuditLogger) Flush(ctx context.Context) error { return nil }

// MemoryAuditLogger keeps events in memory. Used by tests.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryAuditLogger) Flush(ctx context.Context) error { return nil }

// Events returns a copy of the recorded events.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
