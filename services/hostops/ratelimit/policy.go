// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Policy names used by the HTTP surface.
const (
	PolicyMutating   = "mutating"
	PolicySupervisor = "supervisor"
	PolicyPolling    = "polling"
)

// Policy is a named request budget.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

// Key scopes a caller to this policy so that polling traffic never eats
// into the budget for mutating actions.
func (p Policy) Key(caller string) string {
	return p.Name + ":" + caller
}

// Validate checks that the policy can admit at least one request.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is empty")
	}
	if p.Max < 1 {
		return fmt.Errorf("policy %s: max must be at least 1, got %d", p.Name, p.Max)
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive, got %s", p.Name, p.Window)
	}
	return nil
}

// DefaultPolicies returns the built-in budgets: 5 mutating service actions,
// 30 supervisor actions and 60 read-only polls per caller per minute.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: PolicyMutating, Max: 5, Window: time.Minute},
		{Name: PolicySupervisor, Max: 30, Window: time.Minute},
		{Name: PolicyPolling, Max: 60, Window: time.Minute},
	}
}

// PolicySet holds the active policies and can be swapped atomically when
// configuration is reloaded.
type PolicySet struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicySet creates a set from policies. Later duplicates win.
func NewPolicySet(policies []Policy) (*PolicySet, error) {
	s := &PolicySet{}
	if err := s.Replace(policies); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the named policy.
func (s *PolicySet) Get(name string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	return p, ok
}

// Replace validates policies and installs them. On error the current set
// is left untouched.
func (s *PolicySet) Replace(policies []Policy) error {
	next := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		next[p.Name] = p
	}
	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
	return nil
}

// AllowPolicy applies p to caller and returns the decision together with
// the post-decision status for response headers.
func (l *Limiter) AllowPolicy(p Policy, caller string) (bool, Status) {
	key := p.Key(caller)
	ok := l.Allow(key, p.Max, p.Window)
	return ok, l.Status(key, p.Max, p.Window)
}
