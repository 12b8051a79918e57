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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Vigil/pkg/logging"
	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// fakeOpenAI serves canned replies and records what it was sent.
type fakeOpenAI struct {
	mu       sync.Mutex
	chat     []map[string]any
	auth     []string
	reply    string
	status   int
	filename string
}

func (f *fakeOpenAI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.chat = append(f.chat, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		reply, status := f.reply, f.status
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  body["model"],
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	})
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		f.mu.Lock()
		f.filename = header.Filename
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"  I finished the report  "}`)
	})
	return mux
}

func (f *fakeOpenAI) lastChat() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat[len(f.chat)-1]
}

func newTestClient(t *testing.T, fake *fakeOpenAI) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.Timeout = 5 * time.Second

	c, err := NewClient(SealAPIKey([]byte("test-key")), cfg, logging.Discard())
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestLoadAPIKey_FromSecretFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := t.TempDir() + "/key"
	require.NoError(t, os.WriteFile(path, []byte("  sk-from-file\n"), 0600))

	enclave, err := LoadAPIKey(path)
	require.NoError(t, err)
	buf, err := enclave.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, "sk-from-file", string(buf.Bytes()))
}

func TestLoadAPIKey_Missing(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := LoadAPIKey(t.TempDir() + "/absent")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestJudgeActivity(t *testing.T) {
	fake := &fakeOpenAI{reply: `{"description":" Editing a spreadsheet ","thought":"budget task","focused":true}`}
	c := newTestClient(t, fake)

	j, err := c.JudgeActivity(context.Background(), JudgeInput{
		Frame: []byte{0xff, 0xd8},
		Tasks: []string{"finish budget"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Editing a spreadsheet", j.Description)
	assert.True(t, j.Focused)
	assert.Equal(t, MethodVision, j.Method)
	assert.Empty(t, j.CompletedTasks)

	body := fake.lastChat()
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	assert.Equal(t, "Bearer test-key", fake.auth[0])

	raw, _ := json.Marshal(body["messages"])
	assert.Contains(t, string(raw), "data:image/jpeg;base64,")
	assert.Contains(t, string(raw), `"detail":"low"`)
	assert.NotContains(t, string(raw), "Previous summary")
	assert.NotContains(t, string(raw), "Recent activity")
}

func TestJudgeActivity_HistoryContextAndCompletions(t *testing.T) {
	fake := &fakeOpenAI{reply: `{"description":"Sending an email","thought":"done","focused":true,` +
		`"tasks_to_complete":["EMAIL SAM ","book flights"]}`}
	c := newTestClient(t, fake)

	j, err := c.JudgeActivity(context.Background(), JudgeInput{
		Frame:    []byte{0x89, 0x50},
		MimeType: "image/png",
		Tasks:    []string{"email Sam", "finish budget"},
		Summary:  "mostly inbox triage",
		Recent: []history.Observation{
			{Timestamp: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), Description: "drafting reply to Sam", Focused: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"email Sam"}, j.CompletedTasks, "unlisted tasks are dropped, listed spelling kept")

	raw, _ := json.Marshal(fake.lastChat()["messages"])
	assert.Contains(t, string(raw), "data:image/png;base64,")
	assert.Contains(t, string(raw), "Previous summary")
	assert.Contains(t, string(raw), "mostly inbox triage")
	assert.Contains(t, string(raw), "drafting reply to Sam (on-task)")
	assert.Contains(t, string(raw), "tasks_to_complete")
}

func TestJudgeActivity_EmptyFrame(t *testing.T) {
	c := newTestClient(t, &fakeOpenAI{})
	_, err := c.JudgeActivity(context.Background(), JudgeInput{MimeType: "image/png"})
	assert.Error(t, err)
}

func TestDecideProductivity(t *testing.T) {
	fake := &fakeOpenAI{reply: `{"productive":false,"reason":"video site","message":" Back to the report. ","interjection":""}`}
	c := newTestClient(t, fake)

	d, err := c.DecideProductivity(context.Background(), DecisionInput{
		Tasks:   []string{"write report"},
		Summary: "mostly email",
		Observations: []history.Observation{
			{Timestamp: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), Description: "watching videos"},
		},
		NextStrike: 2,
	})
	require.NoError(t, err)
	assert.False(t, d.Productive)
	assert.Equal(t, "Back to the report.", d.Message)

	raw, _ := json.Marshal(fake.lastChat()["messages"])
	assert.Contains(t, string(raw), "watching videos (off-task)")
	assert.Contains(t, string(raw), "Strike level if redirected: 2 of 3")
}

func TestAssessCompliance(t *testing.T) {
	fake := &fakeOpenAI{reply: `{"completed_ids":["t1"],"compliant":true,"note":"nice"}`}
	c := newTestClient(t, fake)

	a, err := c.AssessCompliance(context.Background(), "done with the report", []tasks.Task{{ID: "t1", Text: "report"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, a.CompletedIDs)
	assert.True(t, a.Compliant)

	raw, _ := json.Marshal(fake.lastChat()["messages"])
	assert.Contains(t, string(raw), "id=t1: report")
}

func TestSummarizeAndExtract(t *testing.T) {
	fake := &fakeOpenAI{reply: `{"summary":" coding most of the window "}`}
	c := newTestClient(t, fake)

	s, err := c.SummarizeWindow(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "coding most of the window", s)

	fake.mu.Lock()
	fake.reply = `{"tasks":["call bank"," ","ship release"]}`
	fake.mu.Unlock()

	items, err := c.ExtractTasks(context.Background(), "ugh need to call the bank and ship the release")
	require.NoError(t, err)
	assert.Equal(t, []string{"call bank", "ship release"}, items)
}

func TestChat_Errors(t *testing.T) {
	fake := &fakeOpenAI{status: http.StatusInternalServerError}
	c := newTestClient(t, fake)
	_, err := c.SummarizeWindow(context.Background(), nil)
	assert.Error(t, err)

	fake.mu.Lock()
	fake.status = 0
	fake.reply = "not json"
	fake.mu.Unlock()
	_, err = c.DecideProductivity(context.Background(), DecisionInput{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "decode reply"))
}

func TestSynthesize(t *testing.T) {
	c := newTestClient(t, &fakeOpenAI{})
	speech, err := c.Synthesize(context.Background(), "back to work")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), speech.Audio)
	assert.Equal(t, "audio/mpeg", speech.MimeType)
}

func TestTranscribe(t *testing.T) {
	fake := &fakeOpenAI{}
	c := newTestClient(t, fake)

	text, err := c.Transcribe(context.Background(), []byte("OggS..."), capture.Format{MimeType: "audio/ogg;codecs=opus"})
	require.NoError(t, err)
	assert.Equal(t, "I finished the report", text)
	assert.Equal(t, "response.ogg", fake.filename)
}
