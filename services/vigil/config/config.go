// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Vigil service configuration.
//
// Sources are applied in order: built-in defaults, a YAML file (JSON is
// accepted since it is a YAML subset), then VIGIL_* environment variables.
// The result is validated before use.
//
// Thread Safety:
//
//	Load and Validate are pure. Watch runs its callback from one goroutine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Vigil/services/llm"
	"github.com/AleutianAI/Vigil/services/vigil/incentives"
)

// MaxFileSize is the largest config file accepted (1MB).
const MaxFileSize = 1024 * 1024

// =============================================================================
// Types
// =============================================================================

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Schedule     ScheduleConfig     `yaml:"schedule" json:"schedule"`
	Capture      CaptureConfig      `yaml:"capture" json:"capture"`
	Intervention InterventionConfig `yaml:"intervention" json:"intervention"`
	LLM          llm.Config         `yaml:"llm" json:"llm"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Incentives   incentives.Config  `yaml:"incentives" json:"incentives"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Tracing      TracingConfig      `yaml:"tracing" json:"tracing"`
	Ingest       IngestConfig       `yaml:"ingest" json:"ingest"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port    int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	GinMode string `yaml:"gin_mode" json:"gin_mode" validate:"oneof=debug release test"`

	// AuthToken, when set, must be presented as a bearer token on /v1.
	AuthToken string `yaml:"auth_token" json:"-"`
}

// ScheduleConfig holds the loop timings.
type ScheduleConfig struct {
	ObserverInterval   time.Duration `yaml:"observer_interval" json:"observer_interval" validate:"gt=0"`
	ManagerMin         time.Duration `yaml:"manager_min" json:"manager_min" validate:"gt=0"`
	ManagerMax         time.Duration `yaml:"manager_max" json:"manager_max" validate:"gtefield=ManagerMin"`
	CompactionInterval time.Duration `yaml:"compaction_interval" json:"compaction_interval" validate:"gt=0"`

	// Seed for the manager jitter. 0 seeds from the clock.
	Seed int64 `yaml:"seed" json:"seed"`
}

// CaptureConfig holds the acquisition protocol settings.
type CaptureConfig struct {
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"gt=0"`
	SampleRate     int           `yaml:"sample_rate" json:"sample_rate" validate:"gt=0"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout" validate:"gt=0"`
}

// InterventionConfig holds session timings.
type InterventionConfig struct {
	// PlaybackTimeout is how long to wait for the host to report the end of
	// a speech clip before treating it as finished.
	PlaybackTimeout time.Duration `yaml:"playback_timeout" json:"playback_timeout" validate:"gt=0"`

	// ContextObservations is how many recent observations the manager sees
	// when none arrived since its previous cycle.
	ContextObservations int `yaml:"context_observations" json:"context_observations" validate:"min=1,max=100"`

	// DefaultMessage is spoken when the manager gives no redirect message.
	DefaultMessage string `yaml:"default_message" json:"default_message" validate:"required"`
}

// StorageConfig locates the databases.
type StorageConfig struct {
	StateDir    string `yaml:"state_dir" json:"state_dir" validate:"required"`
	HistoryPath string `yaml:"history_path" json:"history_path" validate:"required"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir" json:"dir"`
	JSON  bool   `yaml:"json" json:"json"`
}

// TracingConfig configures OTLP export. An empty endpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name" validate:"required"`
}

// IngestConfig throttles frame submissions.
type IngestConfig struct {
	FramesPerSecond float64 `yaml:"frames_per_second" json:"frames_per_second" validate:"gt=0"`
	Burst           int     `yaml:"burst" json:"burst" validate:"min=1"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".vigil")

	return Config{
		Server: ServerConfig{Port: 8787, GinMode: "release"},
		Schedule: ScheduleConfig{
			ObserverInterval:   30 * time.Second,
			ManagerMin:         115 * time.Second,
			ManagerMax:         125 * time.Second,
			CompactionInterval: 30 * time.Minute,
		},
		Capture: CaptureConfig{
			RetryDelay:     250 * time.Millisecond,
			SampleRate:     48000,
			AttemptTimeout: 5 * time.Second,
		},
		Intervention: InterventionConfig{
			PlaybackTimeout:     45 * time.Second,
			ContextObservations: 5,
			DefaultMessage:      "You've drifted off task. Let's get back to it.",
		},
		LLM: llm.DefaultConfig(),
		Storage: StorageConfig{
			StateDir:    filepath.Join(base, "state"),
			HistoryPath: filepath.Join(base, "history.db"),
		},
		Incentives: incentives.DefaultConfig(),
		Logging:    LoggingConfig{Level: "info", Dir: filepath.Join(base, "logs")},
		Tracing:    TracingConfig{ServiceName: "vigil"},
		Ingest:     IngestConfig{FramesPerSecond: 1, Burst: 2},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load builds a Config from defaults, the file at path (optional) and the
// environment.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: Non-nil on unreadable or oversized file, bad YAML, bad
//     environment value or failed validation.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("config %s is %d bytes, limit %d", path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var envOverrides = []struct {
	name  string
	apply func(c *Config, v string) error
}{
	{"VIGIL_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"VIGIL_GIN_MODE", func(c *Config, v string) error { c.Server.GinMode = v; return nil }},
	{"VIGIL_AUTH_TOKEN", func(c *Config, v string) error { c.Server.AuthToken = v; return nil }},
	{"VIGIL_OBSERVER_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Schedule.ObserverInterval, v) }},
	{"VIGIL_MANAGER_MIN", func(c *Config, v string) error { return setDuration(&c.Schedule.ManagerMin, v) }},
	{"VIGIL_MANAGER_MAX", func(c *Config, v string) error { return setDuration(&c.Schedule.ManagerMax, v) }},
	{"VIGIL_COMPACTION_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Schedule.CompactionInterval, v) }},
	{"VIGIL_STATE_DIR", func(c *Config, v string) error { c.Storage.StateDir = v; return nil }},
	{"VIGIL_HISTORY_PATH", func(c *Config, v string) error { c.Storage.HistoryPath = v; return nil }},
	{"VIGIL_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"VIGIL_LOG_DIR", func(c *Config, v string) error { c.Logging.Dir = v; return nil }},
	{"VIGIL_OTLP_ENDPOINT", func(c *Config, v string) error { c.Tracing.OTLPEndpoint = v; return nil }},
	{"VIGIL_OPENAI_BASE_URL", func(c *Config, v string) error { c.LLM.BaseURL = v; return nil }},
	{"VIGIL_TEXT_MODEL", func(c *Config, v string) error { c.LLM.TextModel = v; return nil }},
	{"VIGIL_VISION_MODEL", func(c *Config, v string) error { c.LLM.VisionModel = v; return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field tag.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
