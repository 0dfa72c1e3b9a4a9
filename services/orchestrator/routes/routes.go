// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/Sitka/services/orchestrator/handlers"
)

// SetupRoutes registers the full HTTP surface on the router: the
// conversation lifecycle and chat endpoints under /api/v1, plus the
// Prometheus scrape endpoint at the root.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler,
	conversations *handlers.ConversationHandler, health gin.HandlerFunc) {

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", health)
		v1.GET("/statistics", conversations.HandleStatistics)

		convs := v1.Group("/conversations")
		{
			convs.POST("", conversations.HandleCreate)
			convs.GET("", conversations.HandleList)
			convs.POST("/:id/messages", chat.HandleMessages)
			convs.POST("/:id/stream", chat.HandleStream)
			convs.GET("/:id/history", conversations.HandleHistory)
			convs.GET("/:id/summary", conversations.HandleSummary)
			convs.DELETE("/:id", conversations.HandleDelete)
		}
	}
}
