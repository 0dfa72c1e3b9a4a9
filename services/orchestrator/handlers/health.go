// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// Health reports liveness. services names the wired backends, fixed at
// startup (for example checkpoint_store: redis); the handler itself has
// no downstream dependencies, so a response means the process is up.
func Health(version string, services map[string]string) gin.HandlerFunc {
	if services == nil {
		services = map[string]string{}
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:    "healthy",
			Version:   version,
			Timestamp: time.Now().UTC(),
			Services:  services,
		})
	}
}
