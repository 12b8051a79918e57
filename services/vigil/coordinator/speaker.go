// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Vigil/services/llm"
	"github.com/AleutianAI/Vigil/services/vigil/events"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
)

// ErrPlaybackTimeout means the host never reported the end of a clip.
var ErrPlaybackTimeout = errors.New("playback did not finish in time")

// Synthesizer renders a script as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, script string) (llm.Speech, error)
}

// SpeechPayload is the speech event sent to the host. Audio is empty when
// synthesis failed; the host may still show Text.
type SpeechPayload struct {
	Generation  uint64            `json:"generation"`
	Text        string            `json:"text"`
	Mood        intervention.Mood `json:"mood"`
	AudioBase64 string            `json:"audio_base64,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
}

// HostSpeaker plays speech on the host.
//
// # Description
//
// Speak synthesizes the script, publishes it as a speech event and waits
// until the host reports the clip ended (Ended) or the playback timeout
// passes. Any failure returns an error; the caller treats that exactly like
// a finished clip.
//
// # Thread Safety
//
// Safe for concurrent use.
type HostSpeaker struct {
	synth   Synthesizer
	events  Publisher
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	waiters map[uint64]chan struct{}
}

// NewHostSpeaker creates a speaker. A non-positive timeout uses 45s.
func NewHostSpeaker(synth Synthesizer, pub Publisher, timeout time.Duration, logger *slog.Logger) *HostSpeaker {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HostSpeaker{
		synth:   synth,
		events:  pub,
		timeout: timeout,
		logger:  logger,
		waiters: make(map[uint64]chan struct{}),
	}
}

// Speak plays script for generation gen and blocks until it finishes.
func (s *HostSpeaker) Speak(ctx context.Context, gen uint64, script string, mood intervention.Mood) error {
	payload := SpeechPayload{Generation: gen, Text: script, Mood: mood}

	speech, err := s.synth.Synthesize(ctx, script)
	if err != nil {
		s.events.Publish(events.TypeSpeech, payload)
		return fmt.Errorf("synthesize speech: %w", err)
	}
	payload.AudioBase64 = base64.StdEncoding.EncodeToString(speech.Audio)
	payload.MimeType = speech.MimeType

	done := make(chan struct{})
	s.mu.Lock()
	s.waiters[gen] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, gen)
		s.mu.Unlock()
	}()

	s.events.Publish(events.TypeSpeech, payload)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrPlaybackTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ended reports that the host finished (or failed) playing gen's clip.
// It returns false when nothing is waiting for gen.
func (s *HostSpeaker) Ended(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	done, ok := s.waiters[gen]
	if !ok {
		return false
	}
	delete(s.waiters, gen)
	close(done)
	return true
}

// Waiting reports whether a clip for gen is playing.
func (s *HostSpeaker) Waiting(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waiters[gen]
	return ok
}
