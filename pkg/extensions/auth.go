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
	"crypto/subtle"
	"errors"
	"fmt"
)

// RoleAdmin is the role required for every hostops control and inspection
// endpoint.
const RoleAdmin = "admin"

// ErrUnauthorized is returned when a token cannot be validated.
// Implementations should wrap it with additional context.
//
// Example:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// Example:
//
//	info := &AuthInfo{
//	    UserID: "ops-oncall",
//	    Roles:  []string{"admin"},
//	}
type AuthInfo struct {
	// UserID is the unique identifier for the caller. Never empty.
	UserID string

	// Email is the caller's email address, if the provider knows it.
	Email string

	// Roles contains the caller's role memberships.
	Roles []string

	// Metadata holds additional provider-specific claims.
	Metadata map[string]any
}

// HasRole checks if the user has a specific role.
//
// Example:
//
//	if !authInfo.HasRole(extensions.RoleAdmin) {
//	    c.AbortWithStatusJSON(http.StatusForbidden, ...)
//	}
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens and returns caller identity.
//
// This is the admin-gate collaborator. hostops does not manage sessions or
// issue tokens; it only asks a provider whether a presented token is
// valid and which roles it carries.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the caller's identity.
	//
	// Returns ErrUnauthorized (or a wrapped form) for invalid tokens and other
	// errors for provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token and returns a local admin identity.
//
// Only suitable for loopback development setups. The serve command refuses
// to bind a non-loopback address with this provider.
type NopAuthProvider struct{}

// Validate always succeeds with UserID "local-user" and the admin role.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{RoleAdmin},
	}, nil
}

// StaticToken binds one bearer token to an identity.
type StaticToken struct {
	Token  string
	UserID string
	Roles  []string
}

// StaticTokenProvider validates tokens against a fixed list loaded from
// configuration.
//
// # Description
//
// Every configured token is compared in constant time so that response
// latency does not reveal how many leading bytes matched.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type StaticTokenProvider struct {
	tokens []StaticToken
}

// NewStaticTokenProvider creates a provider from configured tokens.
//
// # Outputs
//
//   - *StaticTokenProvider: The provider.
//   - error: Non-nil if any entry has an empty token or user.
func NewStaticTokenProvider(tokens []StaticToken) (*StaticTokenProvider, error) {
	for i, t := range tokens {
		if t.Token == "" {
			return nil, fmt.Errorf("token %d: empty token", i)
		}
		if t.UserID == "" {
			return nil, fmt.Errorf("token %d: empty user", i)
		}
	}
	copied := make([]StaticToken, len(tokens))
	copy(copied, tokens)
	return &StaticTokenProvider{tokens: copied}, nil
}

// Validate returns the identity bound to token, or ErrUnauthorized.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}

	var match *StaticToken
	for i := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(p.tokens[i].Token), []byte(token)) == 1 {
			match = &p.tokens[i]
		}
	}
	if match == nil {
		return nil, ErrUnauthorized
	}

	roles := make([]string, len(match.Roles))
	copy(roles, match.Roles)
	return &AuthInfo{UserID: match.UserID, Roles: roles}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
