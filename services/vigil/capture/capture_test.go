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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Vigil/pkg/logging"
)

// =============================================================================
// Test fakes
// =============================================================================

type fakeStream struct {
	released bool
}

func (s *fakeStream) Format() Format { return Format{MimeType: "audio/webm", SampleRate: 48000} }

func (s *fakeStream) Release() error {
	s.released = true
	return nil
}

// scriptedProvider fails generic attempts with genericErr and opens only the
// devices listed in working.
type scriptedProvider struct {
	mu         sync.Mutex
	genericErr error
	devices    []Device
	working    map[string]bool
	deviceErr  error
	requests   []Request
	stream     *fakeStream
}

func (p *scriptedProvider) Open(_ context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if req.DeviceID == "" {
		if p.genericErr != nil {
			return nil, p.genericErr
		}
	} else if !p.working[req.DeviceID] {
		if p.deviceErr != nil {
			return nil, p.deviceErr
		}
		return nil, ErrDeviceUnresponsive
	}
	p.stream = &fakeStream{}
	return p.stream, nil
}

func (p *scriptedProvider) Devices(context.Context) ([]Device, error) {
	return p.devices, nil
}

type fakeTranscriber struct {
	text   string
	err    error
	calls  int
	format Format
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, format Format) (string, error) {
	f.calls++
	f.format = format
	return f.text, f.err
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestCapture(p Provider, tr Transcriber) (*Capture, *sleepLog) {
	sl := &sleepLog{}
	c := New(p, tr, Config{RetryDelay: 250 * time.Millisecond, SampleRate: 48000},
		WithLogger(logging.Discard()), WithSleep(sl.sleep))
	return c, sl
}

// =============================================================================
// Acquisition
// =============================================================================

func TestBegin_FirstGenericAttemptSucceeds(t *testing.T) {
	p := &scriptedProvider{}
	c, sl := newTestCapture(p, &fakeTranscriber{})

	acq, err := c.Begin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "plain", acq.Profile)
	assert.Equal(t, 1, acq.Attempts)
	assert.Empty(t, sl.delays)
	assert.True(t, c.Recording())
}

func TestBegin_ScenarioE_EnumeratedDeviceSucceeds(t *testing.T) {
	p := &scriptedProvider{
		genericErr: ErrDeviceUnresponsive,
		devices:    []Device{{ID: "dev-a", Label: "Built-in"}, {ID: "dev-b", Label: "USB headset"}},
		working:    map[string]bool{"dev-b": true},
	}
	c, sl := newTestCapture(p, &fakeTranscriber{text: "I finished the report"})

	acq, err := c.Begin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dev-b", acq.DeviceID)
	assert.Equal(t, 5, acq.Attempts)
	require.Len(t, p.requests, 5)
	assert.Equal(t, "plain", p.requests[0].Profile.Name)
	assert.Equal(t, "reduced-processing", p.requests[1].Profile.Name)
	assert.Equal(t, "fixed-sample-rate", p.requests[2].Profile.Name)
	assert.Equal(t, 48000, p.requests[2].Profile.SampleRate)
	assert.Equal(t, "dev-a", p.requests[3].DeviceID)
	assert.Equal(t, "dev-b", p.requests[4].DeviceID)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sl.delays)

	// capture proceeds normally
	require.NoError(t, c.Append([]byte{1, 2, 3}))
	text, err := c.StopAndTranscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "I finished the report", text)
	assert.True(t, p.stream.released)
}

func TestBegin_PermissionDeniedStopsImmediately(t *testing.T) {
	p := &scriptedProvider{genericErr: ErrPermissionDenied}
	c, _ := newTestCapture(p, &fakeTranscriber{})

	_, err := c.Begin(context.Background())

	var acqErr *AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Len(t, acqErr.Attempts, 1)
	assert.False(t, c.Recording())
}

func TestBegin_NoDevices(t *testing.T) {
	p := &scriptedProvider{genericErr: ErrNoDevice}
	c, _ := newTestCapture(p, &fakeTranscriber{})

	_, err := c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrNoDevice)

	var acqErr *AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Len(t, acqErr.Attempts, 3)
}

func TestBegin_AllDevicesFail(t *testing.T) {
	p := &scriptedProvider{
		genericErr: ErrDeviceUnresponsive,
		devices:    []Device{{ID: "dev-a"}, {ID: "dev-b"}},
	}
	c, _ := newTestCapture(p, &fakeTranscriber{})

	_, err := c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrDeviceExhausted)
	assert.False(t, errors.Is(err, ErrNoDevice))
	assert.Contains(t, err.Error(), "after 5 attempts")
}

func TestBegin_PermissionDeniedOnExplicitDevice(t *testing.T) {
	p := &scriptedProvider{
		genericErr: ErrDeviceUnresponsive,
		devices:    []Device{{ID: "dev-a"}, {ID: "dev-b"}},
		deviceErr:  ErrPermissionDenied,
	}
	c, _ := newTestCapture(p, &fakeTranscriber{})

	_, err := c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Len(t, p.requests, 4)
}

func TestBegin_ContextCancelledDuringDelay(t *testing.T) {
	p := &scriptedProvider{genericErr: ErrDeviceUnresponsive}
	c := New(p, &fakeTranscriber{}, Config{}, WithLogger(logging.Discard()),
		WithSleep(func(ctx context.Context, d time.Duration) error { return context.Canceled }))

	_, err := c.Begin(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Recording())
}

func TestBegin_WhileRecording(t *testing.T) {
	c, _ := newTestCapture(&scriptedProvider{}, &fakeTranscriber{})
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	_, err = c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRecording)
}

// =============================================================================
// Recording
// =============================================================================

func TestStopAndTranscribe_EmptyBuffer(t *testing.T) {
	tr := &fakeTranscriber{text: "ignored"}
	c, _ := newTestCapture(&scriptedProvider{}, tr)
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	_, err = c.StopAndTranscribe(context.Background())
	assert.ErrorIs(t, err, ErrEmptyRecording)
	assert.Equal(t, 0, tr.calls, "empty audio is never sent for transcription")
	assert.False(t, c.Recording())
}

func TestStopAndTranscribe_TranscriptionError(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("upstream 500")}
	c, _ := newTestCapture(&scriptedProvider{}, tr)
	_, err := c.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Append([]byte("audio")))

	_, err = c.StopAndTranscribe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 500")
	assert.Equal(t, "audio/webm", tr.format.MimeType)
}

func TestStopAndTranscribe_NotRecording(t *testing.T) {
	c, _ := newTestCapture(&scriptedProvider{}, &fakeTranscriber{})
	_, err := c.StopAndTranscribe(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestAppend_NotRecording(t *testing.T) {
	c, _ := newTestCapture(&scriptedProvider{}, &fakeTranscriber{})
	assert.ErrorIs(t, c.Append([]byte{1}), ErrNotRecording)
}

func TestAppend_MaxBytes(t *testing.T) {
	c := New(&scriptedProvider{}, &fakeTranscriber{}, Config{MaxBytes: 4}, WithLogger(logging.Discard()))
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Append([]byte{1, 2, 3}))
	assert.ErrorIs(t, c.Append([]byte{4, 5}), ErrRecordingTooLarge)
	require.NoError(t, c.Append([]byte{4}), "the oversized chunk was dropped, not the recording")
}

func TestAbort_ReleasesDevice(t *testing.T) {
	p := &scriptedProvider{}
	c, _ := newTestCapture(p, &fakeTranscriber{})
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	c.Abort()
	assert.True(t, p.stream.released)
	assert.False(t, c.Recording())
	c.Abort()
}

// stallingProvider blocks its first Open until the context is cancelled.
type stallingProvider struct {
	mu      sync.Mutex
	opens   int
	started chan struct{}
}

func (p *stallingProvider) Open(ctx context.Context, _ Request) (Stream, error) {
	p.mu.Lock()
	p.opens++
	first := p.opens == 1
	p.mu.Unlock()

	if first {
		close(p.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &fakeStream{}, nil
}

func (p *stallingProvider) Devices(context.Context) ([]Device, error) {
	return nil, nil
}

func TestAbort_CancelsAcquisition(t *testing.T) {
	p := &stallingProvider{started: make(chan struct{})}
	c, _ := newTestCapture(p, &fakeTranscriber{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Begin(context.Background())
		errc <- err
	}()

	<-p.started
	c.Abort()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Begin did not return after Abort")
	}
	assert.False(t, c.Recording())

	_, err := c.Begin(context.Background())
	require.NoError(t, err, "a new acquisition starts after the aborted one")
	assert.True(t, c.Recording())
}

// =============================================================================
// Helpers
// =============================================================================

func TestGuidance(t *testing.T) {
	assert.Contains(t, Guidance(&AcquireError{Kind: ErrPermissionDenied}), "blocked")
	assert.Contains(t, Guidance(&AcquireError{Kind: ErrNoDevice}), "No microphone")
	assert.Contains(t, Guidance(&AcquireError{Kind: ErrDeviceExhausted}), "not responding")
	assert.Contains(t, Guidance(errors.New("other")), "Could not start")
}

func TestFormat_Extension(t *testing.T) {
	assert.Equal(t, "webm", Format{MimeType: "audio/webm;codecs=opus"}.Extension())
	assert.Equal(t, "wav", Format{MimeType: "audio/wav"}.Extension())
	assert.Equal(t, "ogg", Format{MimeType: "audio/ogg"}.Extension())
	assert.Equal(t, "mp3", Format{MimeType: "audio/mpeg"}.Extension())
	assert.Equal(t, "m4a", Format{MimeType: "audio/mp4"}.Extension())
	assert.Equal(t, "webm", Format{}.Extension())
}

func TestAcquireError_NoAttempts(t *testing.T) {
	err := &AcquireError{Kind: ErrNoDevice}
	assert.Equal(t, ErrNoDevice.Error(), err.Error())
}
