// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hostops/pkg/extensions"
	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ratelimit"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuthProvider is a configurable mock for testing.
type mockAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
}

func (m *mockAuthProvider) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func serve(router *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"mixed case scheme", "BeArEr abc123", "abc123"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
		{"only bearer", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// AuthMiddleware / RequireRole Tests
// =============================================================================

func TestAuthMiddleware_Success(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{
		UserID: "ops-oncall",
		Roles:  []string{extensions.RoleAdmin},
	}}

	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c)})
	})

	w := serve(router, "GET", "/test", map[string]string{"Authorization": "Bearer valid"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"ops-oncall"}`, w.Body.String())
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"unauthorized", extensions.ErrUnauthorized, "unauthorized"},
		{"wrapped unauthorized", errors.Join(errors.New("expired"), extensions.ErrUnauthorized), "unauthorized"},
		{"provider error", errors.New("network error"), "authentication failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			router := gin.New()
			router.Use(AuthMiddleware(&mockAuthProvider{err: tt.err}))
			router.GET("/test", func(c *gin.Context) { reached = true })

			w := serve(router, "GET", "/test", map[string]string{"Authorization": "Bearer x"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantMsg)
			assert.False(t, reached)
		})
	}
}

func TestAuthMiddleware_NopProvider(t *testing.T) {
	router := gin.New()
	router.Use(AuthMiddleware(&extensions.NopAuthProvider{}), RequireRole(extensions.RoleAdmin))
	router.GET("/test", func(c *gin.Context) {
		info := GetAuthInfo(c)
		require.NotNil(t, info)
		assert.Equal(t, "local-user", info.UserID)
		c.Status(http.StatusNoContent)
	})

	w := serve(router, "GET", "/test", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequireRole_Forbidden(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "viewer", Roles: []string{"viewer"}}}

	router := gin.New()
	router.Use(AuthMiddleware(provider), RequireRole(extensions.RoleAdmin))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(router, "GET", "/test", map[string]string{"Authorization": "Bearer v"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Forbidden: Admin access required")
}

func TestRequireRole_WithoutAuth(t *testing.T) {
	router := gin.New()
	router.Use(RequireRole(extensions.RoleAdmin))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusForbidden, serve(router, "GET", "/test", nil).Code)
}

func TestGetAuthInfo_WrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(authInfoKey, "not an AuthInfo")

	assert.Nil(t, GetAuthInfo(c))
	assert.Empty(t, UserID(c))
}

// =============================================================================
// RateLimit Tests
// =============================================================================

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newLimitedRouter(t *testing.T, clk *clock, metrics *observability.Metrics) *gin.Engine {
	t.Helper()
	policies, err := ratelimit.NewPolicySet(ratelimit.DefaultPolicies())
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.WithClock(clk.Now))

	router := gin.New()
	router.POST("/service",
		RateLimit(limiter, policies, ratelimit.PolicyMutating, metrics, discard),
		func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) },
	)
	router.GET("/ports",
		RateLimit(limiter, policies, ratelimit.PolicyPolling, metrics, discard),
		func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ports": []int{}}) },
	)
	return router
}

func TestRateLimit_SixthMutatingRequestRejected(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	router := newLimitedRouter(t, clk, metrics)

	for i := 1; i <= 5; i++ {
		w := serve(router, "POST", "/service", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(5-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := serve(router, "POST", "/service", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"Rate limit exceeded. Wait before next action."}`, w.Body.String())
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitRejectionsTotal.WithLabelValues(ratelimit.PolicyMutating)))

	// Polling has its own budget.
	assert.Equal(t, http.StatusOK, serve(router, "GET", "/ports", nil).Code)

	clk.now = clk.now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, serve(router, "POST", "/service", nil).Code)
}

func TestRateLimit_CallersAreSeparate(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	router := newLimitedRouter(t, clk, nil)

	for i := 0; i < 5; i++ {
		serve(router, "POST", "/service", map[string]string{"X-Forwarded-For": "10.0.0.1"})
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "POST", "/service", map[string]string{"X-Forwarded-For": "10.0.0.1"}).Code)
	assert.Equal(t, http.StatusOK, serve(router, "POST", "/service", map[string]string{"X-Forwarded-For": "10.0.0.2"}).Code)

	// An authenticated caller is keyed by user id instead.
	policies, err := ratelimit.NewPolicySet(ratelimit.DefaultPolicies())
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.WithClock(clk.Now))
	users := gin.New()
	users.Use(func(c *gin.Context) {
		SetAuthInfo(c, &extensions.AuthInfo{UserID: c.GetHeader("X-User")})
	})
	users.POST("/service", RateLimit(limiter, policies, ratelimit.PolicyMutating, nil, discard), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	for i := 0; i < 5; i++ {
		serve(users, "POST", "/service", map[string]string{"X-User": "alice"})
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(users, "POST", "/service", map[string]string{"X-User": "alice"}).Code)
	assert.Equal(t, http.StatusOK, serve(users, "POST", "/service", map[string]string{"X-User": "bob"}).Code)
}

func TestRateLimit_UnknownPolicyFailsClosed(t *testing.T) {
	policies, err := ratelimit.NewPolicySet(ratelimit.DefaultPolicies())
	require.NoError(t, err)

	router := gin.New()
	router.GET("/x", RateLimit(ratelimit.New(), policies, "nope", nil, discard), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusInternalServerError, serve(router, "GET", "/x", nil).Code)
}

// =============================================================================
// RequestID / AccessLog Tests
// =============================================================================

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	w := serve(router, "GET", "/x", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	w = serve(router, "GET", "/x", map[string]string{RequestIDHeader: "dash-42"})
	assert.Equal(t, "dash-42", w.Header().Get(RequestIDHeader))

	w = serve(router, "GET", "/x", map[string]string{RequestIDHeader: strings.Repeat("a", 200)})
	assert.Len(t, w.Header().Get(RequestIDHeader), 36, "oversized ids are replaced")
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	router := gin.New()
	router.Use(RequestID(), AccessLog(logger))
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	serve(router, "GET", "/boom", map[string]string{RequestIDHeader: "req-1"})

	line := buf.String()
	assert.Contains(t, line, `"level":"ERROR"`)
	assert.Contains(t, line, `"path":"/boom"`)
	assert.Contains(t, line, `"status":500`)
	assert.Contains(t, line, `"request_id":"req-1"`)
}
