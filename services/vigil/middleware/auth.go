// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the host API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	TokenAuth
//	   │
//	   ├─► "Authorization: Bearer <token>", or ?access_token= for the
//	   │   websocket upgrade (browsers cannot set headers on it)
//	   │
//	   └─► constant-time compare with the configured token
//	           │
//	           ▼
//	       Handler
//
// With no token configured every request passes. That is the default for a
// host on the same machine.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenQueryParam carries the token when a header cannot be set.
const TokenQueryParam = "access_token"

// =============================================================================
// Auth Middleware
// =============================================================================

// TokenAuth rejects requests that do not present token.
//
// # Inputs
//
//   - token: Shared secret. Empty disables the check.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 on a missing or wrong token.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)
	return func(c *gin.Context) {
		got := extractBearerToken(c)
		if got == "" {
			got = c.Query(TokenQueryParam)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" if the header is missing or uses another scheme. The scheme is
// case-insensitive per RFC 7235.
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

// =============================================================================
// Request logging
// =============================================================================

// RequestLogger writes one slog record per request. Health and metrics
// scrapes are logged at debug.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		switch path := c.FullPath(); {
		case c.Writer.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case path == "/health" || path == "/metrics":
			level = slog.LevelDebug
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}
