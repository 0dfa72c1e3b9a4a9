// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package middleware provides HTTP middleware for the orchestrator
// service.
//
// # Description
//
// Sitka does not validate credentials itself: a bearer token, when
// present, rides along to the knowledge adapters that need it. This
// package extracts the credential and applies the CORS policy; there is
// no identity-provider integration.
//
// # Credential Flow
//
//	Request
//	   │
//	   ▼
//	BearerToken ─► "Authorization: Bearer <token>" header
//	   │
//	   └─► fallback: body user.token (resolved by the handler)
//	           │
//	           ▼
//	       knowledge adapters
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Bearer Extraction
// =============================================================================

// BearerToken returns the credential from the Authorization header, or
// "" when the header is absent or carries a different scheme.
//
// # Description
//
// Expects "Authorization: Bearer <token>". The scheme match is
// case-insensitive per RFC 7235 and surrounding whitespace is trimmed.
// The header outranks any credential embedded in the request body;
// handlers fall back to the body only when this returns "".
func BearerToken(c *gin.Context) string {
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
