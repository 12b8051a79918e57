// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the Vigil host
// API.
package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MaxFrameBase64 is the largest accepted encoded frame (8MB).
const MaxFrameBase64 = 8 << 20

// =============================================================================
// Requests
// =============================================================================

// CaptureRequest toggles screen capture. The observer only runs while it is
// active.
type CaptureRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// FrameRequest submits the latest screen frame.
type FrameRequest struct {
	ImageBase64 string `json:"image_base64" validate:"required,base64,max=8388608"`
	MimeType    string `json:"mime_type" validate:"omitempty,oneof=image/jpeg image/png image/webp"`
}

// TaskInput is one task in a replace request.
type TaskInput struct {
	ID   string `json:"id" validate:"omitempty,max=64"`
	Text string `json:"text" validate:"required,max=500"`
	Done bool   `json:"done"`
}

// TasksRequest replaces the task list.
type TasksRequest struct {
	Tasks []TaskInput `json:"tasks" validate:"max=100,dive"`
}

// ToTasks converts the request to domain tasks.
func (r *TasksRequest) ToTasks() []tasks.Task {
	out := make([]tasks.Task, len(r.Tasks))
	for i, t := range r.Tasks {
		out[i] = tasks.Task{ID: t.ID, Text: t.Text, Done: t.Done}
	}
	return out
}

// BraindumpRequest is free text to extract tasks from.
type BraindumpRequest struct {
	Text string `json:"text" validate:"required,max=20000"`
}

// SpeechEndedRequest reports that the host stopped playing a clip. Error is
// set when playback failed; it is logged and treated like completion.
type SpeechEndedRequest struct {
	Generation uint64 `json:"generation" validate:"required"`
	Error      string `json:"error" validate:"max=1000"`
}

// DeviceInput is one host audio input.
type DeviceInput struct {
	ID    string `json:"id" validate:"required,max=256"`
	Label string `json:"label" validate:"max=256"`
}

// DevicesRequest reports the host's audio inputs.
type DevicesRequest struct {
	Devices []DeviceInput `json:"devices" validate:"max=64,dive"`
}

// ToDevices converts the request to capture devices.
func (r *DevicesRequest) ToDevices() []capture.Device {
	out := make([]capture.Device, len(r.Devices))
	for i, d := range r.Devices {
		out[i] = capture.Device{ID: d.ID, Label: d.Label}
	}
	return out
}

// AcquireResultRequest answers a capture.acquire event.
type AcquireResultRequest struct {
	RequestID  string `json:"request_id" validate:"required,uuid"`
	OK         bool   `json:"ok"`
	Failure    string `json:"failure" validate:"omitempty,oneof=permission_denied no_device unresponsive"`
	Detail     string `json:"detail" validate:"max=1000"`
	MimeType   string `json:"mime_type" validate:"required_if=OK true,max=128"`
	SampleRate int    `json:"sample_rate" validate:"gte=0"`
}

// ToResult converts the request to a capture result.
func (r *AcquireResultRequest) ToResult() capture.AcquireResult {
	return capture.AcquireResult{
		RequestID:  r.RequestID,
		OK:         r.OK,
		Failure:    r.Failure,
		Detail:     r.Detail,
		MimeType:   r.MimeType,
		SampleRate: r.SampleRate,
	}
}

// ListQuery pages the history endpoints.
type ListQuery struct {
	Limit int `form:"limit" validate:"gte=0,lte=1000"`
}

// Validate checks the struct tags of any request above.
//
// # Outputs
//
//   - error: Names the first failing field, or nil.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %s failed %q", f.Field(), f.Tag())
		}
		return err
	}
	return nil
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is every non-2xx body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConfigResponse reports the loop timings.
type ConfigResponse struct {
	ObserverInterval   string `json:"observer_interval"`
	ManagerMin         string `json:"manager_min"`
	ManagerMax         string `json:"manager_max"`
	CompactionInterval string `json:"compaction_interval"`
	CaptureActive      bool   `json:"capture_active"`
}

// AcceptedResponse acknowledges a report that may have arrived too late.
type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

// GenerationResponse returns the generation an operation dispatched.
type GenerationResponse struct {
	Generation uint64 `json:"generation"`
}
