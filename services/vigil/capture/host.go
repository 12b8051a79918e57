// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Failure codes the host reports for an acquisition attempt.
const (
	FailurePermissionDenied = "permission_denied"
	FailureNoDevice         = "no_device"
	FailureUnresponsive     = "unresponsive"
)

// AcquireRequest asks the host to open a device.
type AcquireRequest struct {
	RequestID string  `json:"request_id"`
	Profile   Profile `json:"profile"`
	DeviceID  string  `json:"device_id,omitempty"`
}

// AcquireResult is the host's answer to an AcquireRequest.
type AcquireResult struct {
	RequestID  string `json:"request_id" binding:"required"`
	OK         bool   `json:"ok"`
	Failure    string `json:"failure,omitempty"`
	Detail     string `json:"detail,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// HostNotifier delivers acquisition commands to the host.
type HostNotifier interface {
	RequestAcquire(req AcquireRequest)
	RequestRelease(requestID string)
}

// HostProvider is a Provider whose devices live on the host.
//
// # Description
//
// Open publishes an AcquireRequest and waits for the matching AcquireResult
// posted back by the host. No answer within the attempt timeout counts as
// ErrDeviceUnresponsive. Devices returns the list the host last reported.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type HostProvider struct {
	notifier HostNotifier
	timeout  time.Duration

	mu      sync.Mutex
	devices []Device
	waiters map[string]chan AcquireResult
}

// NewHostProvider creates a provider. A non-positive timeout uses 5s.
func NewHostProvider(notifier HostNotifier, timeout time.Duration) *HostProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HostProvider{
		notifier: notifier,
		timeout:  timeout,
		waiters:  make(map[string]chan AcquireResult),
	}
}

// Open asks the host to acquire a device and waits for the answer.
func (h *HostProvider) Open(ctx context.Context, req Request) (Stream, error) {
	id := uuid.NewString()
	ch := make(chan AcquireResult, 1)

	h.mu.Lock()
	h.waiters[id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.waiters, id)
		h.mu.Unlock()
	}()

	h.notifier.RequestAcquire(AcquireRequest{RequestID: id, Profile: req.Profile, DeviceID: req.DeviceID})

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no answer after %v: %w", h.timeout, ErrDeviceUnresponsive)
	case res := <-ch:
		if !res.OK {
			return nil, classify(res)
		}
		return &hostStream{
			provider: h,
			id:       id,
			format:   Format{MimeType: res.MimeType, SampleRate: res.SampleRate},
		}, nil
	}
}

// Devices returns the last reported device list.
func (h *HostProvider) Devices(context.Context) ([]Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Device(nil), h.devices...), nil
}

// ReportDevices replaces the known device list.
func (h *HostProvider) ReportDevices(devices []Device) {
	h.mu.Lock()
	h.devices = append([]Device(nil), devices...)
	h.mu.Unlock()
}

// ReportResult delivers the host's answer to a pending Open.
//
// # Outputs
//
//   - error: Non-nil if no Open is waiting for RequestID.
func (h *HostProvider) ReportResult(res AcquireResult) error {
	h.mu.Lock()
	ch, ok := h.waiters[res.RequestID]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending acquisition %q", res.RequestID)
	}
	select {
	case ch <- res:
	default:
	}
	return nil
}

func classify(res AcquireResult) error {
	var kind error
	switch res.Failure {
	case FailurePermissionDenied:
		kind = ErrPermissionDenied
	case FailureNoDevice:
		kind = ErrNoDevice
	case FailureUnresponsive:
		kind = ErrDeviceUnresponsive
	default:
		kind = errors.New("acquisition failed")
	}
	if res.Detail == "" {
		return kind
	}
	return fmt.Errorf("%s: %w", res.Detail, kind)
}

type hostStream struct {
	provider *HostProvider
	id       string
	format   Format
	once     sync.Once
}

func (s *hostStream) Format() Format { return s.format }

func (s *hostStream) Release() error {
	s.once.Do(func() { s.provider.notifier.RequestRelease(s.id) })
	return nil
}
