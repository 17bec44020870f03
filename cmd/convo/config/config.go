// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the convo CLI configuration.
//
// # Description
//
// The configuration lives in ~/.convostream/convo.yaml. On first run the
// file is created with the defaults below so users have something to edit.
// Fields missing from the file keep their default values.
//
//	server:
//	  base_url: http://localhost:12310
//	  send_path: /v1/chat/stream
//	  timeout: 10s
//	engine:
//	  max_retries: 3
//	  retry_delay: 1s
//	  backoff: linear
//	  title_min_messages: 3
//	agents:
//	  code: [coding, code, generator]
//	  conversational: [welcome, conversation]
//	logging:
//	  level: info
//	  dir: ~/.convostream/logs
//	telemetry:
//	  traces: none
//	  metrics: none
//
// The optional output section (personality, handoff_dir) is empty by
// default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/convostream/pkg/engine"
	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backoff names accepted in engine.backoff.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// maxRetryDelay caps exponential backoff.
const maxRetryDelay = 30 * time.Second

var validate = validator.New()

// Config is the root of convo.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Agents    AgentsConfig    `yaml:"agents"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Output    OutputConfig    `yaml:"output"`
}

// ServerConfig locates the session backend.
type ServerConfig struct {
	BaseURL  string        `yaml:"base_url" validate:"required,url"`
	SendPath string        `yaml:"send_path" validate:"required,startswith=/"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay       time.Duration `yaml:"retry_delay" validate:"gt=0"`
	Backoff          string        `yaml:"backoff" validate:"oneof=linear exponential"`
	TitleMinMessages int           `yaml:"title_min_messages" validate:"gte=1"`
	Apology          string        `yaml:"apology,omitempty"`
}

// AgentsConfig classifies agent names for the merge policy.
type AgentsConfig struct {
	Code           []string `yaml:"code"`
	Conversational []string `yaml:"conversational"`
}

// LoggingConfig selects the log level and file directory.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// OutputConfig controls terminal rendering. An empty personality means
// detect from the terminal. HandoffDir, when set, receives a JSON snapshot
// of every session the backend hands off for generation.
type OutputConfig struct {
	Personality string `yaml:"personality,omitempty" validate:"omitempty,oneof=standard minimal machine"`
	HandoffDir  string `yaml:"handoff_dir,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	profile := engine.DefaultAgentProfile()
	return Config{
		Server: ServerConfig{
			BaseURL:  "http://localhost:12310",
			SendPath: "/v1/chat/stream",
			Timeout:  10 * time.Second,
		},
		Engine: EngineConfig{
			MaxRetries:       3,
			RetryDelay:       time.Second,
			Backoff:          BackoffLinear,
			TitleMinMessages: 3,
		},
		Agents: AgentsConfig{
			Code:           profile.Code,
			Conversational: profile.Conversational,
		},
		Logging:   LoggingConfig{Level: "info", Dir: "~/.convostream/logs"},
		Telemetry: TelemetryConfig{Traces: telemetry.ExporterNone, Metrics: telemetry.ExporterNone},
	}
}

// DefaultPath returns ~/.convostream/convo.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".convostream", "convo.yaml"), nil
}

// Load reads the configuration at path.
//
// # Inputs
//
//   - path: Config file. Empty means DefaultPath.
//
// # Outputs
//
//   - *Config: Defaults overlaid with the file's values, validated.
//   - bool: True if the file did not exist and was created.
//   - error: Non-nil on read, parse or validation failure.
func Load(path string) (*Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, created, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, created, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, created, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, created, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every field.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// EngineSettings converts the file settings into an engine.Config.
func (c *Config) EngineSettings() engine.Config {
	backoff := engine.Linear(c.Engine.RetryDelay)
	if c.Engine.Backoff == BackoffExponential {
		backoff = engine.Exponential(c.Engine.RetryDelay, maxRetryDelay)
	}
	cfg := engine.DefaultConfig()
	cfg.Retry = engine.RetryPolicy{
		MaxRetries: c.Engine.MaxRetries,
		Backoff:    backoff,
		Sleep:      engine.SleepContext,
	}
	cfg.TitleMinMessages = c.Engine.TitleMinMessages
	if strings.TrimSpace(c.Engine.Apology) != "" {
		cfg.ApologyMessage = c.Engine.Apology
	}
	if len(c.Agents.Code) > 0 || len(c.Agents.Conversational) > 0 {
		cfg.Agents = engine.AgentProfile{Code: c.Agents.Code, Conversational: c.Agents.Conversational}
	}
	if c.Server.Timeout > 0 {
		cfg.SyncTimeout = c.Server.Timeout
	}
	return cfg
}

// LoggingSettings converts the file settings into a logging.Config.
func (c *Config) LoggingSettings(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{Level: level, LogDir: c.Logging.Dir, Service: service}, nil
}

// TelemetrySettings converts the file settings into a telemetry.Config.
func (c *Config) TelemetrySettings(service string) telemetry.Config {
	cfg := telemetry.DefaultConfig(service)
	cfg.TraceExporter = c.Telemetry.Traces
	cfg.MetricExporter = c.Telemetry.Metrics
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	return cfg
}
