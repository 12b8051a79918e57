// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/compliance"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// MethodVision marks observations judged from a screenshot.
const MethodVision = "vision"

// maxSpeechBytes caps a synthesized clip.
const maxSpeechBytes = 10 << 20

// JudgeInput is one frame plus the context it is judged in.
type JudgeInput struct {
	Frame    []byte
	MimeType string

	// Tasks are the outstanding task texts.
	Tasks []string

	// Summary is the latest window summary, empty before the first one.
	Summary string

	// Recent are the observations since that summary, oldest first.
	Recent []history.Observation
}

// Judgment is the verdict on one frame.
type Judgment struct {
	Description string `json:"description"`
	Thought     string `json:"thought"`
	Focused     bool   `json:"focused"`
	Method      string `json:"method"`

	// CompletedTasks are texts from JudgeInput.Tasks that look done on
	// screen.
	CompletedTasks []string `json:"tasks_to_complete"`
}

// DecisionInput is everything the manager sees in one cycle.
type DecisionInput struct {
	Tasks        []string
	Observations []history.Observation
	Summary      string

	// NextStrike is the strike the subject would be on if redirected.
	NextStrike int
}

// Decision is the manager's verdict.
type Decision struct {
	Productive   bool   `json:"productive"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	Interjection string `json:"interjection"`
}

// Speech is a synthesized clip.
type Speech struct {
	Audio    []byte
	MimeType string
}

// JudgeActivity classifies a screenshot against the task list and the
// recent history, and reports tasks that appear finished.
func (c *Client) JudgeActivity(ctx context.Context, in JudgeInput) (Judgment, error) {
	if len(in.Frame) == 0 {
		return Judgment{}, fmt.Errorf("judge activity: empty frame")
	}
	mimeType := in.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(in.Frame)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: judgePrompt(in)},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailLow,
					},
				},
			},
		},
	}

	var j Judgment
	if err := c.chatJSON(ctx, "judge_activity", c.config.VisionModel, messages, &j); err != nil {
		return Judgment{}, err
	}
	j.Description = strings.TrimSpace(j.Description)
	j.Method = MethodVision
	j.CompletedTasks = knownTasks(j.CompletedTasks, in.Tasks)
	return j, nil
}

// knownTasks keeps the claimed texts that match a listed task, using the
// listed spelling.
func knownTasks(claimed, listed []string) []string {
	if len(claimed) == 0 {
		return nil
	}
	var out []string
	for _, c := range claimed {
		for _, l := range listed {
			if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(l)) {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// SummarizeWindow condenses a compaction window.
func (c *Client) SummarizeWindow(ctx context.Context, observations []history.Observation) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarizeSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: summarizePrompt(observations)},
	}
	var reply struct {
		Summary string `json:"summary"`
	}
	if err := c.chatJSON(ctx, "summarize_window", c.config.TextModel, messages, &reply); err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Summary), nil
}

// DecideProductivity runs one manager decision.
func (c *Client) DecideProductivity(ctx context.Context, in DecisionInput) (Decision, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: decideSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: decidePrompt(in)},
	}
	var d Decision
	if err := c.chatJSON(ctx, "decide_productivity", c.config.TextModel, messages, &d); err != nil {
		return Decision{}, err
	}
	d.Message = strings.TrimSpace(d.Message)
	d.Interjection = strings.TrimSpace(d.Interjection)
	return d, nil
}

// AssessCompliance satisfies compliance.Assessor.
func (c *Client) AssessCompliance(ctx context.Context, transcript string, outstanding []tasks.Task) (compliance.Assessment, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: assessSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: assessPrompt(transcript, outstanding)},
	}
	var a compliance.Assessment
	if err := c.chatJSON(ctx, "assess_compliance", c.config.TextModel, messages, &a); err != nil {
		return compliance.Assessment{}, err
	}
	return a, nil
}

// ExtractTasks turns a braindump into task texts.
func (c *Client) ExtractTasks(ctx context.Context, text string) ([]string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: extractSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: text},
	}
	var reply struct {
		Tasks []string `json:"tasks"`
	}
	if err := c.chatJSON(ctx, "extract_tasks", c.config.TextModel, messages, &reply); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(reply.Tasks))
	for _, t := range reply.Tasks {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// Synthesize renders script as speech.
func (c *Client) Synthesize(ctx context.Context, script string) (Speech, error) {
	ctx, span := tracer.Start(ctx, "llm.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.config.SpeechModel),
		attribute.Int("llm.script_chars", len(script)),
	)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.config.SpeechModel),
		Input:          script,
		Voice:          openai.SpeechVoice(c.config.SpeechVoice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "speech failed")
		return Speech{}, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(io.LimitReader(resp, maxSpeechBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read speech body")
		return Speech{}, fmt.Errorf("synthesize: read audio: %w", err)
	}
	return Speech{Audio: audio, MimeType: "audio/mpeg"}, nil
}

// Transcribe satisfies capture.Transcriber.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format capture.Format) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.config.TranscriptionModel),
		attribute.Int("llm.audio_bytes", len(audio)),
	)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.config.TranscriptionModel,
		FilePath: "response." + format.Extension(),
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

var (
	_ compliance.Assessor = (*Client)(nil)
	_ capture.Transcriber = (*Client)(nil)
)
