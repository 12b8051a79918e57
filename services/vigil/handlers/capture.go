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
	"encoding/base64"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Vigil/services/vigil/datatypes"
)

// MaxAudioChunk is the largest accepted audio chunk (4MB).
const MaxAudioChunk = 4 << 20

// HandleCapture turns screen capture, and with it the observer, on or off.
func HandleCapture(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CaptureRequest
		if !bind(c, &req) {
			return
		}
		d.Scheduler.SetCaptureActive(*req.Active)
		d.logger().Info("screen capture toggled", "active", *req.Active)
		c.JSON(http.StatusOK, gin.H{"active": d.Scheduler.CaptureActive()})
	}
}

// HandleFrame accepts the latest screen frame. Submissions beyond the
// configured rate get 429.
func HandleFrame(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.Frames != nil && !d.Frames.Allow() {
			abort(c, http.StatusTooManyRequests, "frame rate limit exceeded")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxFrameBase64+1024)

		var req datatypes.FrameRequest
		if !bind(c, &req) {
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil || len(data) == 0 {
			abort(c, http.StatusBadRequest, "image_base64 is not a valid image")
			return
		}
		mime := req.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		d.Coordinator.SubmitFrame(data, mime)
		c.Status(http.StatusAccepted)
	}
}

// HandleDevices stores the host's audio input list, used when every generic
// acquisition attempt fails.
func HandleDevices(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DevicesRequest
		if !bind(c, &req) {
			return
		}
		d.Devices.ReportDevices(req.ToDevices())
		c.JSON(http.StatusOK, gin.H{"devices": len(req.Devices)})
	}
}

// HandleAcquireResult delivers the host's answer to a capture.acquire event.
func HandleAcquireResult(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AcquireResultRequest
		if !bind(c, &req) {
			return
		}
		if err := d.Devices.ReportResult(req.ToResult()); err != nil {
			abort(c, http.StatusNotFound, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleAudio appends a raw audio chunk to the active recording.
func HandleAudio(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		chunk, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxAudioChunk))
		if err != nil {
			abort(c, http.StatusRequestEntityTooLarge, "audio chunk too large")
			return
		}
		if len(chunk) == 0 {
			abort(c, http.StatusBadRequest, "empty audio chunk")
			return
		}
		if err := d.Coordinator.AppendAudio(chunk); err != nil {
			fail(c, d.logger(), "append audio", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
