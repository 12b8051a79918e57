// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Vigil/pkg/logging"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Schedule.ObserverInterval)
	assert.Equal(t, 115*time.Second, cfg.Schedule.ManagerMin)
	assert.Equal(t, 125*time.Second, cfg.Schedule.ManagerMax)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.CompactionInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Capture.RetryDelay)
	assert.Equal(t, 5, cfg.Intervention.ContextObservations)
	assert.Empty(t, cfg.Tracing.OTLPEndpoint)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, "vigil.yaml", `
server:
  port: 9000
schedule:
  manager_min: 90s
  manager_max: 100s
  seed: 7
incentives:
  penalty_per_strike: [1, 2, 3]
llm:
  text_model: gpt-4o
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Schedule.ManagerMin)
	assert.Equal(t, int64(7), cfg.Schedule.Seed)
	assert.Equal(t, []float64{1, 2, 3}, cfg.Incentives.PenaltyPerStrike)
	assert.Equal(t, "gpt-4o", cfg.LLM.TextModel)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.VisionModel, "unset fields keep defaults")
	assert.Equal(t, 30*time.Minute, cfg.Schedule.CompactionInterval)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeConfig(t, "vigil.json", `{"server": {"port": 7000}, "schedule": {"observer_interval": "10s"}}`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Schedule.ObserverInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "vigil.yaml", "server:\n  port: 9000\n")
	cfg, err := load(path, envMap(map[string]string{
		"VIGIL_PORT":          "9100",
		"VIGIL_MANAGER_MAX":   "3m",
		"VIGIL_LOG_LEVEL":     "debug",
		"VIGIL_OTLP_ENDPOINT": "localhost:4317",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, 3*time.Minute, cfg.Schedule.ManagerMax)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "localhost:4317", cfg.Tracing.OTLPEndpoint)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "bad yaml", file: "server: [\n"},
		{name: "manager max below min", file: "schedule:\n  manager_min: 2m\n  manager_max: 1m\n"},
		{name: "port out of range", file: "server:\n  port: 70000\n"},
		{name: "bad gin mode", file: "server:\n  gin_mode: loud\n"},
		{name: "bad env duration", file: "", env: map[string]string{"VIGIL_MANAGER_MIN": "soon"}},
		{name: "bad env int", file: "", env: map[string]string{"VIGIL_PORT": "eighty"}},
		{name: "empty penalty schedule", file: "incentives:\n  penalty_per_strike: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeConfig(t, "vigil.yaml", tt.file)
			}
			_, err := load(path, envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingAndOversizedFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	assert.Error(t, err)

	big := writeConfig(t, "big.yaml", "# "+strings.Repeat("x", MaxFileSize))
	_, err = load(big, noEnv)
	assert.ErrorContains(t, err, "limit")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "vigil.yaml", "schedule:\n  manager_min: 100s\n  manager_max: 110s\n")

	ctx, cancel := context.WithCancel(context.Background())
	applied := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func(c Config) { applied <- c }, logging.Discard())
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  manager_min: 60s\n  manager_max: 70s\n"), 0600))

	select {
	case c := <-applied:
		assert.Equal(t, 60*time.Second, c.Schedule.ManagerMin)
		assert.Equal(t, 70*time.Second, c.Schedule.ManagerMax)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not applied")
	}

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  manager_min: 5m\n  manager_max: 1m\n"), 0600))
	select {
	case c := <-applied:
		t.Fatalf("invalid config applied: %+v", c.Schedule)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_EmptyPath(t *testing.T) {
	assert.Error(t, Watch(context.Background(), "", 0, func(Config) {}, nil))
}
