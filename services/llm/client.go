// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm adapts the OpenAI API to the capabilities the coordinator
// consumes: activity judgment, window summaries, productivity decisions,
// compliance assessment, task extraction, speech synthesis and
// transcription.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"
)

var tracer = otel.Tracer("vigil.llm")

// DefaultSecretPath is where a mounted secret holding the API key is read
// from when OPENAI_API_KEY is unset.
const DefaultSecretPath = "/run/secrets/openai_api_key"

// minMlockKB is the locked-memory limit below which memguard may fail to
// lock the key page.
const minMlockKB = 64

// ErrNoAPIKey means neither the environment nor the secret file held a key.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY not set and no secret found")

// ErrEmptyResponse means the API returned no choices.
var ErrEmptyResponse = errors.New("model returned no choices")

var memguardOnce sync.Once

// =============================================================================
// Configuration
// =============================================================================

// Config selects models and endpoints.
type Config struct {
	// BaseURL overrides the API endpoint. Empty uses api.openai.com.
	BaseURL string `yaml:"base_url" json:"base_url"`

	VisionModel        string `yaml:"vision_model" json:"vision_model" validate:"required"`
	TextModel          string `yaml:"text_model" json:"text_model" validate:"required"`
	SpeechModel        string `yaml:"speech_model" json:"speech_model" validate:"required"`
	SpeechVoice        string `yaml:"speech_voice" json:"speech_voice" validate:"required"`
	TranscriptionModel string `yaml:"transcription_model" json:"transcription_model" validate:"required"`

	// Timeout bounds each capability call.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// DefaultConfig returns the models Vigil ships with.
func DefaultConfig() Config {
	return Config{
		VisionModel:        "gpt-4o-mini",
		TextModel:          "gpt-4o-mini",
		SpeechModel:        string(openai.TTSModel1),
		SpeechVoice:        string(openai.VoiceNova),
		TranscriptionModel: openai.Whisper1,
		Timeout:            30 * time.Second,
	}
}

// =============================================================================
// API key
// =============================================================================

// LoadAPIKey reads the API key into a memguard Enclave.
//
// # Description
//
// OPENAI_API_KEY wins. Otherwise the file at secretPath is read, the way a
// container secret is mounted. The plaintext copy is wiped once sealed.
//
// # Outputs
//
//   - *memguard.Enclave: Sealed key.
//   - error: ErrNoAPIKey if no source had one.
func LoadAPIKey(secretPath string) (*memguard.Enclave, error) {
	initMemguard()

	key := []byte(strings.TrimSpace(os.Getenv("OPENAI_API_KEY")))
	if len(key) == 0 && secretPath != "" {
		data, err := os.ReadFile(secretPath)
		if err == nil {
			key = []byte(strings.TrimSpace(string(data)))
			memguard.WipeBytes(data)
			slog.Info("read OpenAI API key from secret file", "path", secretPath)
		}
	}
	if len(key) == 0 {
		return nil, ErrNoAPIKey
	}
	return memguard.NewEnclave(key), nil
}

// SealAPIKey seals a key supplied by the caller. key is wiped.
func SealAPIKey(key []byte) *memguard.Enclave {
	initMemguard()
	return memguard.NewEnclave(key)
}

func initMemguard() {
	memguardOnce.Do(func() {
		memguard.CatchInterrupt()
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("could not read mlock limit", "error", err)
			return
		}
		if rlimit.Cur != unix.RLIM_INFINITY && rlimit.Cur/1024 < minMlockKB {
			slog.Warn("mlock limit is low, API key may not stay locked in memory",
				"limit_kb", rlimit.Cur/1024,
				"required_kb", minMlockKB,
			)
		}
	})
}

// =============================================================================
// Client
// =============================================================================

// Client implements every capability over one OpenAI client.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	api    *openai.Client
	config Config
	logger *slog.Logger
}

// NewClient opens the enclave just long enough to build the API client.
func NewClient(key *memguard.Enclave, config Config, logger *slog.Logger) (*Client, error) {
	if key == nil {
		return nil, ErrNoAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("open API key enclave: %w", err)
	}
	apiConfig := openai.DefaultConfig(string(buf.Bytes()))
	buf.Destroy()

	if config.BaseURL != "" {
		apiConfig.BaseURL = config.BaseURL
	}

	logger.Info("initializing OpenAI client",
		"vision_model", config.VisionModel,
		"text_model", config.TextModel,
		"speech_model", config.SpeechModel,
	)
	return &Client{
		api:    openai.NewClientWithConfig(apiConfig),
		config: config,
		logger: logger,
	}, nil
}

// chatJSON sends a JSON-mode chat request and decodes the reply into out.
func (c *Client) chatJSON(ctx context.Context, op, model string, messages []openai.ChatCompletionMessage, out any) error {
	ctx, span := tracer.Start(ctx, "llm."+op)
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return fmt.Errorf("%s: %w", op, ErrEmptyResponse)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed JSON reply")
		return fmt.Errorf("%s: decode reply: %w", op, err)
	}

	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	c.logger.Debug("chat completion",
		"op", op,
		"model", model,
		"elapsed", time.Since(start),
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return nil
}
