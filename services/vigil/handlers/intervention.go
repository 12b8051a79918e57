// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/Vigil/services/vigil/datatypes"
)

// HandleAcknowledge closes the ready intervention.
func HandleAcknowledge(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := d.Coordinator.Acknowledge()
		if err != nil {
			fail(c, d.logger(), "acknowledge", err)
			return
		}
		trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("vigil.pending_id", p.ID))
		c.JSON(http.StatusOK, p)
	}
}

// HandleSkip ends listening without a response.
func HandleSkip(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.Coordinator.Skip(); err != nil {
			fail(c, d.logger(), "skip", err)
			return
		}
		c.JSON(http.StatusOK, d.Coordinator.State().Session)
	}
}

// HandleResponseStart begins capturing the spoken response.
func HandleResponseStart(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		gen, err := d.Coordinator.ReportResponseStart()
		if err != nil {
			fail(c, d.logger(), "response start", err)
			return
		}
		trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.Int64("vigil.generation", int64(gen)))
		c.JSON(http.StatusAccepted, datatypes.GenerationResponse{Generation: gen})
	}
}

// HandleResponseEnd stops capture and starts evaluation.
func HandleResponseEnd(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		gen, err := d.Coordinator.ReportResponseEnd()
		if err != nil {
			fail(c, d.logger(), "response end", err)
			return
		}
		trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.Int64("vigil.generation", int64(gen)))
		c.JSON(http.StatusAccepted, datatypes.GenerationResponse{Generation: gen})
	}
}

// HandleSpeechEnded reports the end of a speech clip. A report for a clip
// that is no longer playing is accepted=false, not an error.
func HandleSpeechEnded(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SpeechEndedRequest
		if !bind(c, &req) {
			return
		}
		if req.Error != "" {
			d.logger().Warn("host playback failed", "generation", req.Generation, "error", req.Error)
		}
		c.JSON(http.StatusOK, datatypes.AcceptedResponse{Accepted: d.Coordinator.SpeechEnded(req.Generation)})
	}
}
