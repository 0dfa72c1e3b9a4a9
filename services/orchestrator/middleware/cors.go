// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
)

// ===== CORS =====

// CORS applies the configured cross-origin policy.
//
// # Description
//
// Origins, methods, and headers come from CORS_ORIGINS, CORS_METHODS,
// and CORS_HEADERS as comma-separated lists. An origin list of "*"
// allows everyone; otherwise the request's Origin is echoed back only
// when it is on the list, with Vary: Origin so caches keep the variants
// apart. Preflight OPTIONS requests are answered here with 204 and
// never reach the handlers.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	allowAll, origins := splitOrigins(cfg.Origins)
	methods := strings.TrimSpace(cfg.Methods)
	headers := strings.TrimSpace(cfg.Headers)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		if methods != "" {
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			c.Header("Access-Control-Allow-Headers", headers)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// splitOrigins parses the comma-separated origin list into a lookup
// set, reporting whether the wildcard is present.
func splitOrigins(list string) (allowAll bool, origins map[string]bool) {
	origins = make(map[string]bool)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == "*":
			allowAll = true
		default:
			origins[part] = true
		}
	}
	return allowAll, origins
}
