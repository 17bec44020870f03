// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/convostream/services/sessiond/handlers"
	"github.com/AleutianAI/convostream/services/sessiond/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators SetupRoutes wires.
type Deps struct {
	Handlers *handlers.Handlers

	// Limiter is applied to the /v1 group. Nil disables limiting.
	Limiter *middleware.RateLimiter

	// Metrics records every request. Nil disables request metrics.
	Metrics *middleware.HTTPMetrics

	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.Metrics != nil {
		router.Use(middleware.Metrics(deps.Metrics))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	if deps.Limiter != nil {
		v1.Use(middleware.RateLimit(deps.Limiter, deps.Metrics))
	}
	{
		h := deps.Handlers
		v1.POST("/chat/stream", h.HandleChatStream)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", h.HandleList)
			sessions.POST("/sync", h.HandleSync)
			sessions.GET("/:sessionId", h.HandleGet)
			sessions.DELETE("/:sessionId", h.HandleDelete)
			sessions.POST("/:sessionId/title", h.HandleTitle)
		}
	}
}
