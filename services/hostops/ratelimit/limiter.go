// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements fixed-window request counting per caller.
//
// # Description
//
// A window opens on a caller's first request. Requests inside the window
// are counted; once the count exceeds the policy maximum, further requests
// are refused until the window has fully elapsed, at which point the next
// request opens a fresh window.
//
// The Limiter is an injected instance, not a package global, so every test
// gets clean state and the HTTP layer decides which policy guards which
// route.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Bucket reads and updates happen
// under a single mutex, so check-and-increment is atomic.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is the per-key counter. Buckets never leave the Limiter.
type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// Status describes a key's position in its current window.
type Status struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Tests use it to move time without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one request for key and reports whether it is permitted.
//
// # Description
//
//   - No bucket, or now - windowStart >= window: open a new window with
//     count 1 and allow.
//   - Otherwise increment count and allow while count <= max.
//
// Rejected requests are counted too, so a caller hammering the endpoint
// does not gain anything by it, but the window is never extended.
//
// # Inputs
//
//   - key: Caller identity, usually "policy:address".
//   - max: Requests allowed per window. Values below 1 deny everything.
//   - window: Window length.
//
// # Outputs
//
//   - bool: true if the request may proceed.
func (l *Limiter) Allow(key string, max int, window time.Duration) bool {
	if max < 1 {
		return false
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		l.buckets[key] = &bucket{windowStart: now, window: window, count: 1}
		return true
	}
	b.window = window
	b.count++
	return b.count <= max
}

// Status reports remaining requests and the reset time for key without
// recording a request.
func (l *Limiter) Status(key string, max int, window time.Duration) Status {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		return Status{Limit: max, Remaining: max, ResetAt: now.Add(window)}
	}
	remaining := max - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: max, Remaining: remaining, ResetAt: b.windowStart.Add(window)}
}

// Sweep removes buckets whose window has elapsed and returns how many were
// removed. Expired buckets would be reset on next use anyway; sweeping only
// bounds memory for callers that never come back.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= b.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RunJanitor calls Sweep every interval until ctx is done. It blocks; run
// it in its own goroutine.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
