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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/Vigil/services/vigil/handlers"
)

// SetupRoutes registers the host API on router.
//
// # Inputs
//
//   - router: Engine to register on.
//   - deps: Shared handler dependencies.
//   - events: Websocket upgrade handler for the host event stream. Nil skips
//     /v1/events.
//   - gatherer: Source for /metrics. Nil skips /metrics.
//   - v1Middleware: Middleware for the /v1 group only, such as authentication.
func SetupRoutes(router *gin.Engine, deps handlers.Deps, events http.HandlerFunc, gatherer prometheus.Gatherer, v1Middleware ...gin.HandlerFunc) {
	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1", v1Middleware...)
	{
		v1.GET("/config", handlers.HandleConfig(deps))
		v1.GET("/state", handlers.HandleState(deps))
		v1.POST("/capture", handlers.HandleCapture(deps))
		v1.POST("/frames", handlers.HandleFrame(deps))

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", handlers.HandleListTasks(deps))
			tasks.PUT("", handlers.HandleReplaceTasks(deps))
			tasks.POST("/braindump", handlers.HandleBraindump(deps))
		}

		intervention := v1.Group("/intervention")
		{
			intervention.POST("/acknowledge", handlers.HandleAcknowledge(deps))
			intervention.POST("/skip", handlers.HandleSkip(deps))
			intervention.POST("/response/start", handlers.HandleResponseStart(deps))
			intervention.POST("/response/end", handlers.HandleResponseEnd(deps))
		}

		v1.POST("/speech/ended", handlers.HandleSpeechEnded(deps))
		v1.POST("/devices", handlers.HandleDevices(deps))
		v1.POST("/devices/result", handlers.HandleAcquireResult(deps))
		v1.POST("/response/audio", handlers.HandleAudio(deps))

		v1.GET("/history", handlers.HandleHistory(deps))
		v1.DELETE("/history", handlers.HandleClearHistory(deps))
		v1.GET("/summaries", handlers.HandleSummaries(deps))

		if events != nil {
			v1.GET("/events", gin.WrapF(events))
		}
	}
}
