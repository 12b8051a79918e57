// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capture acquires an input device for the subject's spoken
// response, buffers the audio and hands it to transcription.
//
// # Acquisition protocol
//
//  1. Three generic attempts, one per Profile (plain, reduced processing,
//     fixed sample rate), separated by a fixed delay.
//  2. If all three fail, enumerate input devices and try each explicitly.
//  3. If none succeed, fail with ErrDeviceExhausted.
//
// A permission-denied answer ends the protocol at once; no other attempt can
// succeed without the subject changing the permission.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrPermissionDenied means the subject or platform refused access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNoDevice means no input device is present.
	ErrNoDevice = errors.New("no input device present")

	// ErrDeviceUnresponsive means a device exists but did not start.
	ErrDeviceUnresponsive = errors.New("input device unresponsive")

	// ErrDeviceExhausted means every generic and explicit attempt failed.
	ErrDeviceExhausted = errors.New("all input devices failed")

	// ErrEmptyRecording means the response buffer had no audio.
	ErrEmptyRecording = errors.New("empty recording")

	// ErrNotRecording means audio arrived with no active capture.
	ErrNotRecording = errors.New("no active recording")

	// ErrAlreadyRecording means Begin was called during a capture.
	ErrAlreadyRecording = errors.New("recording already in progress")

	// ErrAborted means Abort ended the acquisition before it finished.
	ErrAborted = errors.New("capture aborted")

	// ErrRecordingTooLarge means a chunk would push the recording past
	// Config.MaxBytes. The chunk is dropped and the recording kept.
	ErrRecordingTooLarge = errors.New("recording too large")
)

// Attempt is one acquisition try.
type Attempt struct {
	Profile  string
	DeviceID string
	Err      error
}

// AcquireError reports a failed acquisition.
//
// Kind is one of ErrPermissionDenied, ErrNoDevice or ErrDeviceExhausted and is
// what errors.Is matches. Attempts lists every try in order.
type AcquireError struct {
	Kind     error
	Attempts []Attempt
}

func (e *AcquireError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Kind.Error()
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("%v after %d attempts (last: %v)", e.Kind, len(e.Attempts), last.Err)
}

func (e *AcquireError) Unwrap() error { return e.Kind }

// Guidance returns the message shown to the subject for a capture error.
func Guidance(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access is blocked. Allow it and try again, or skip."
	case errors.Is(err, ErrNoDevice):
		return "No microphone was found. Connect one and try again, or skip."
	case errors.Is(err, ErrDeviceExhausted), errors.Is(err, ErrDeviceUnresponsive):
		return "The microphone is not responding. Check it and try again, or skip."
	default:
		return "Could not start recording. Try again, or skip."
	}
}

// =============================================================================
// Profiles and providers
// =============================================================================

// Profile is a set of capture constraints.
type Profile struct {
	Name             string `json:"name"`
	EchoCancellation bool   `json:"echo_cancellation"`
	NoiseSuppression bool   `json:"noise_suppression"`
	AutoGainControl  bool   `json:"auto_gain_control"`
	SampleRate       int    `json:"sample_rate,omitempty"`
}

// GenericProfiles returns the three generic attempt profiles.
func GenericProfiles(sampleRate int) []Profile {
	return []Profile{
		{Name: "plain", EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
		{Name: "reduced-processing"},
		{Name: "fixed-sample-rate", SampleRate: sampleRate},
	}
}

// Device is an enumerated input endpoint.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Request is one acquisition attempt. An empty DeviceID means the default.
type Request struct {
	Profile  Profile
	DeviceID string
}

// Format describes the audio the stream produces.
type Format struct {
	MimeType   string `json:"mime_type"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Extension returns a file extension for the transcription upload.
func (f Format) Extension() string {
	mime := strings.ToLower(f.MimeType)
	switch {
	case strings.Contains(mime, "wav"):
		return "wav"
	case strings.Contains(mime, "ogg"):
		return "ogg"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return "mp3"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"):
		return "m4a"
	default:
		return "webm"
	}
}

// Stream is an acquired device handle.
type Stream interface {
	Format() Format
	Release() error
}

// Provider opens input devices.
type Provider interface {
	Open(ctx context.Context, req Request) (Stream, error)
	Devices(ctx context.Context) ([]Device, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format Format) (string, error)
}

// Recorder receives attempt outcomes for metrics. Optional.
type Recorder interface {
	CaptureAttempt(stage string, err error)
}

// Acquisition describes a successful Begin.
type Acquisition struct {
	Profile  string
	DeviceID string
	Attempts int
	Format   Format
}

// =============================================================================
// Capture
// =============================================================================

// Config configures a Capture.
type Config struct {
	// RetryDelay separates the generic attempts. Default: 250ms.
	RetryDelay time.Duration

	// SampleRate is used by the fixed-sample-rate profile. Default: 48000.
	SampleRate int

	// MaxBytes caps the buffered response. Default: 25 MiB.
	MaxBytes int
}

// Capture runs the acquisition protocol and buffers one response at a time.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Begin holds no lock while
// attempts are in progress; Abort cancels them.
type Capture struct {
	provider    Provider
	transcriber Transcriber
	config      Config
	recorder    Recorder
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	acquireSeq    uint64
	cancelAcquire context.CancelFunc
	stream        Stream
	format        Format
	buf           bytes.Buffer
}

// Option configures a Capture.
type Option func(*Capture)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Capture) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Capture) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the inter-attempt wait. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Capture) { c.sleep = sleep }
}

// New creates a Capture.
func New(provider Provider, transcriber Transcriber, config Config, opts ...Option) *Capture {
	if config.RetryDelay <= 0 {
		config.RetryDelay = 250 * time.Millisecond
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 25 << 20
	}
	c := &Capture{
		provider:    provider,
		transcriber: transcriber,
		config:      config,
		logger:      slog.Default(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin acquires a device and starts buffering.
//
// # Outputs
//
//   - Acquisition: Which profile or device succeeded.
//   - error: *AcquireError on failure, ErrAlreadyRecording if busy,
//     ErrAborted if Abort ran meanwhile, or the context error.
func (c *Capture) Begin(ctx context.Context) (Acquisition, error) {
	c.mu.Lock()
	if c.cancelAcquire != nil || c.stream != nil {
		c.mu.Unlock()
		return Acquisition{}, ErrAlreadyRecording
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.acquireSeq++
	seq := c.acquireSeq
	c.cancelAcquire = cancel
	c.mu.Unlock()

	stream, acq, err := c.acquire(ctx)

	c.mu.Lock()
	if seq != c.acquireSeq {
		c.mu.Unlock()
		if stream != nil {
			if rerr := stream.Release(); rerr != nil {
				c.logger.Warn("release input device", "error", rerr)
			}
		}
		return Acquisition{}, ErrAborted
	}
	defer c.mu.Unlock()
	c.cancelAcquire = nil
	if err != nil {
		return Acquisition{}, err
	}

	c.stream = stream
	c.format = stream.Format()
	c.buf.Reset()
	acq.Format = c.format

	c.logger.Info("response capture started",
		"profile", acq.Profile,
		"device_id", acq.DeviceID,
		"attempts", acq.Attempts,
	)
	return acq, nil
}

func (c *Capture) acquire(ctx context.Context) (Stream, Acquisition, error) {
	var attempts []Attempt

	for i, profile := range GenericProfiles(c.config.SampleRate) {
		if i > 0 {
			if err := c.sleep(ctx, c.config.RetryDelay); err != nil {
				return nil, Acquisition{}, err
			}
		}

		stream, err := c.provider.Open(ctx, Request{Profile: profile})
		c.record("generic", err)
		if err == nil {
			return stream, Acquisition{Profile: profile.Name, Attempts: len(attempts) + 1}, nil
		}

		attempts = append(attempts, Attempt{Profile: profile.Name, Err: err})
		c.logger.Warn("capture attempt failed", "profile", profile.Name, "error", err)

		if errors.Is(err, ErrPermissionDenied) {
			return nil, Acquisition{}, &AcquireError{Kind: ErrPermissionDenied, Attempts: attempts}
		}
		if ctx.Err() != nil {
			return nil, Acquisition{}, ctx.Err()
		}
	}

	devices, err := c.provider.Devices(ctx)
	if err != nil {
		c.logger.Warn("device enumeration failed", "error", err)
	}
	if len(devices) == 0 {
		return nil, Acquisition{}, &AcquireError{Kind: ErrNoDevice, Attempts: attempts}
	}

	plain := GenericProfiles(c.config.SampleRate)[0]
	for _, device := range devices {
		stream, err := c.provider.Open(ctx, Request{Profile: plain, DeviceID: device.ID})
		c.record("device", err)
		if err == nil {
			return stream, Acquisition{
				Profile:  plain.Name,
				DeviceID: device.ID,
				Attempts: len(attempts) + 1,
			}, nil
		}

		attempts = append(attempts, Attempt{Profile: plain.Name, DeviceID: device.ID, Err: err})
		c.logger.Warn("explicit device attempt failed", "device_id", device.ID, "label", device.Label, "error", err)

		if errors.Is(err, ErrPermissionDenied) {
			return nil, Acquisition{}, &AcquireError{Kind: ErrPermissionDenied, Attempts: attempts}
		}
		if ctx.Err() != nil {
			return nil, Acquisition{}, ctx.Err()
		}
	}

	return nil, Acquisition{}, &AcquireError{Kind: ErrDeviceExhausted, Attempts: attempts}
}

// Append adds an audio chunk to the active recording.
func (c *Capture) Append(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return ErrNotRecording
	}
	if c.buf.Len()+len(chunk) > c.config.MaxBytes {
		return fmt.Errorf("recording exceeds %d bytes: %w", c.config.MaxBytes, ErrRecordingTooLarge)
	}
	c.buf.Write(chunk)
	return nil
}

// Recording reports whether a stream is held.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// StopAndTranscribe finalizes the recording and transcribes it.
//
// # Description
//
// Releases the device, then rejects an empty buffer with ErrEmptyRecording
// before any transcription call. Blank transcripts are returned as-is; the
// caller decides what counts as unintelligible.
func (c *Capture) StopAndTranscribe(ctx context.Context) (string, error) {
	audio, format, err := c.stop()
	if err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", ErrEmptyRecording
	}

	text, err := c.transcriber.Transcribe(ctx, audio, format)
	if err != nil {
		return "", fmt.Errorf("transcribe response: %w", err)
	}
	return text, nil
}

// Abort cancels an acquisition in progress, releases the device and
// discards the buffer. A cancelled Begin returns ErrAborted and a new Begin
// may start at once.
func (c *Capture) Abort() {
	c.mu.Lock()
	if c.cancelAcquire != nil {
		c.cancelAcquire()
		c.cancelAcquire = nil
		c.acquireSeq++
		c.logger.Info("response capture acquisition aborted")
	}
	c.mu.Unlock()

	if _, _, err := c.stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		c.logger.Warn("abort capture", "error", err)
	}
}

func (c *Capture) stop() ([]byte, Format, error) {
	c.mu.Lock()
	stream := c.stream
	format := c.format
	audio := append([]byte(nil), c.buf.Bytes()...)
	c.stream = nil
	c.buf.Reset()
	c.mu.Unlock()

	if stream == nil {
		return nil, Format{}, ErrNotRecording
	}
	if err := stream.Release(); err != nil {
		c.logger.Warn("release input device", "error", err)
	}
	return audio, format, nil
}

func (c *Capture) record(stage string, err error) {
	if c.recorder != nil {
		c.recorder.CaptureAttempt(stage, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
