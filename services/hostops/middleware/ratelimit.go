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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/hostops/services/hostops/observability"
	"github.com/AleutianAI/hostops/services/hostops/ratelimit"
)

// RateLimitMessage is the error body of a 429.
const RateLimitMessage = "Rate limit exceeded. Wait before next action."

// PolicySource resolves a named policy. *ratelimit.PolicySet satisfies it
// and is safe to reload while requests are in flight.
type PolicySource interface {
	Get(name string) (ratelimit.Policy, bool)
}

// RateLimit creates a middleware that admits at most policy.Max requests
// per caller per policy.Window.
//
// # Description
//
// The policy is looked up on every request so a config reload takes
// effect without rebuilding the router. The caller is the authenticated
// user id when present and the client IP otherwise; gin only trusts
// X-Forwarded-For from the proxies configured on the engine.
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds). A rejected request gets 429 with a
// Retry-After header.
//
// # Inputs
//
//   - limiter: shared bucket store.
//   - policies: policy lookup.
//   - name: policy to apply. An unknown name fails closed with 500.
//   - metrics: may be nil.
//   - logger: may be nil.
func RateLimit(limiter *ratelimit.Limiter, policies PolicySource, name string, metrics *observability.Metrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		policy, ok := policies.Get(name)
		if !ok {
			logger.Error("rate limit policy missing", "policy", name)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "rate limit policy not configured",
			})
			return
		}

		caller := UserID(c)
		if caller == "" {
			caller = c.ClientIP()
		}

		allowed, st := limiter.AllowPolicy(policy, caller)
		c.Header("X-RateLimit-Limit", strconv.Itoa(st.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(st.ResetAt).Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			metrics.RecordRateLimitRejection(policy.Name)
			logger.Warn("rate limit exceeded",
				"policy", policy.Name,
				"caller", caller,
				"path", c.FullPath(),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   RateLimitMessage,
			})
			return
		}
		c.Next()
	}
}
