// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the Vigil host API.
//
// Every handler is built from Deps and returns a gin.HandlerFunc. Errors
// are mapped to status codes in one place (statusFor) and always rendered
// as datatypes.ErrorResponse.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/coordinator"
	"github.com/AleutianAI/Vigil/services/vigil/datatypes"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/schedule"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// =============================================================================
// Dependencies
// =============================================================================

// Coordinator is the host-facing surface of coordinator.Coordinator.
type Coordinator interface {
	State() coordinator.State
	SubmitFrame(data []byte, mimeType string)
	ReplaceTasks(items []tasks.Task) []tasks.Task
	Braindump(ctx context.Context, text string) ([]tasks.Task, error)
	Acknowledge() (intervention.Pending, error)
	Skip() error
	ReportResponseStart() (uint64, error)
	ReportResponseEnd() (uint64, error)
	SpeechEnded(gen uint64) bool
	AppendAudio(chunk []byte) error
}

// Scheduler is the part of schedule.Scheduler the host can see.
type Scheduler interface {
	SetCaptureActive(active bool)
	CaptureActive() bool
	Config() schedule.Config
}

// Devices receives host audio device reports.
type Devices interface {
	ReportDevices(devices []capture.Device)
	ReportResult(res capture.AcquireResult) error
}

// History reads and clears the activity history.
type History interface {
	Observations(ctx context.Context, limit int) ([]history.Observation, error)
	Summaries(ctx context.Context, limit int) ([]history.Summary, error)
	Decisions(ctx context.Context, limit int) ([]history.Decision, error)
	Clear(ctx context.Context) error
}

// Deps are shared by every handler. Frames may be nil to disable throttling.
type Deps struct {
	Coordinator Coordinator
	Scheduler   Scheduler
	Devices     Devices
	History     History
	Frames      *rate.Limiter
	Logger      *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// =============================================================================
// Errors
// =============================================================================

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, intervention.ErrBusy),
		errors.Is(err, intervention.ErrWrongPhase),
		errors.Is(err, intervention.ErrNotReady),
		errors.Is(err, intervention.ErrNoSession),
		errors.Is(err, intervention.ErrStale),
		errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, capture.ErrRecordingTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, coordinator.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: msg})
}

func fail(c *gin.Context, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "op", op, "error", err)
	} else {
		logger.Info("request rejected", "op", op, "error", err)
	}
	abort(c, status, err.Error())
}

// bind decodes and validates a JSON body, answering 400 on failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := datatypes.Validate(req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// =============================================================================
// Status
// =============================================================================

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleConfig reports the loop timings.
func HandleConfig(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := d.Scheduler.Config()
		resp := datatypes.ConfigResponse{
			ObserverInterval:   cfg.ObserverInterval.String(),
			CompactionInterval: cfg.CompactionInterval.String(),
			CaptureActive:      d.Scheduler.CaptureActive(),
		}
		if b, ok := cfg.ManagerIntervals.(interface {
			Bounds() (time.Duration, time.Duration)
		}); ok {
			lo, hi := b.Bounds()
			resp.ManagerMin, resp.ManagerMax = lo.String(), hi.String()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleState returns the ledger, session, pending intervention, balance
// and tasks.
func HandleState(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Coordinator.State())
	}
}
