// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware guarding the admin API.
//
// # Request Flow
//
// Every admin request passes the same chain before reaching a handler:
//
//	Request
//	   │
//	   ▼
//	RequestID ──► AccessLog ──► AuthMiddleware ──► RequireRole(admin) ──► RateLimit(policy)
//	                                │                    │                     │
//	                                └─► 401              └─► 403               └─► 429
//	                                                                           │
//	                                                                           ▼
//	                                                                        Handler
//
// AuthMiddleware extracts a bearer token from the Authorization header,
// validates it with the configured AuthProvider and stores the resulting
// AuthInfo in the gin context. Handlers read it back with GetAuthInfo.
//
// # Open Source Behavior
//
// With NopAuthProvider every request is authenticated as "local-user"
// with the admin role. The serve command only allows that on a loopback
// bind address.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/hostops/pkg/extensions"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the caller's AuthInfo.
const authInfoKey = "hostops_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated caller in the gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication. Handlers
// retrieve the value with GetAuthInfo.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//   - info: Authenticated caller. May be nil.
//
// # Thread Safety
//
// Safe to call concurrently (gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil when the request
// did not pass AuthMiddleware.
//
// # Examples
//
//	info := middleware.GetAuthInfo(c)
//	if info == nil {
//	    c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
//	    return
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the authenticated caller's id, or "" when there is none.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// with provider and stores the resulting AuthInfo for downstream handlers.
// A missing or malformed header is passed to the provider as an empty
// token; NopAuthProvider accepts it, real providers reject it.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: aborts with 401 {"error": "unauthorized"} when the
//     provider returns ErrUnauthorized, and with 401
//     {"error": "authentication failed"} for any other provider error.
//
// # Examples
//
//	admin := router.Group("/api/admin")
//	admin.Use(middleware.AuthMiddleware(deps.Auth))
//
// # Limitations
//
//   - Only bearer tokens are supported
//   - Validation results are not cached
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"success": false,
					"error":   "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated caller holds role.
// It must run after AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil || !info.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Forbidden: Admin access required",
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is missing or uses another scheme. The
// scheme name is matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
