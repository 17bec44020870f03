// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/convostream/cmd/convo/config"
	"github.com/AleutianAI/convostream/pkg/engine"
	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/persist"
	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/telemetry"
	"github.com/AleutianAI/convostream/pkg/transport"
	"github.com/AleutianAI/convostream/pkg/ux"
	"github.com/prometheus/client_golang/prometheus"
)

const serviceName = "convo"

// closeTimeout bounds waiting for background syncs on exit.
const closeTimeout = 10 * time.Second

// appOptions selects which collaborators a command needs.
type appOptions struct {
	// offline skips the session backend: no sync, no load, no titles.
	offline bool

	// chunkSize overrides the stream read buffer size.
	chunkSize int
}

// app holds everything a command runs against.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	engine *engine.Engine
	client *persist.Client
	out    *ux.Renderer

	shutdownTelemetry func(context.Context) error
}

func openApp(ctx context.Context, root *rootOptions, stdout io.Writer, opts appOptions) (*app, error) {
	path := root.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if root.server != "" {
		cfg.Server.BaseURL = root.server
	}
	if root.logLevel != "" {
		cfg.Logging.Level = root.logLevel
	}
	if root.personality != "" {
		cfg.Output.Personality = root.personality
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	level := ux.ParsePersonalityLevel(cfg.Output.Personality)
	if cfg.Output.Personality == "" {
		f, _ := stdout.(*os.File)
		level = ux.DetectPersonality(f)
	}
	out := ux.NewRenderer(stdout, level)
	if created {
		out.Success("created default config at " + path)
	}

	lc, err := cfg.LoggingSettings(serviceName)
	if err != nil {
		return nil, err
	}
	lc.Quiet = !root.verbose
	lc.Pretty = root.verbose
	logger := logging.New(lc)

	shutdown, err := telemetry.Init(ctx, cfg.TelemetrySettings(serviceName))
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	client := persist.NewClient(cfg.Server.BaseURL,
		persist.WithTimeout(cfg.Server.Timeout),
		persist.WithLogger(logger.Slog()))
	tr := transport.NewHTTPTransport(cfg.Server.BaseURL)
	tr.SendPath = cfg.Server.SendPath

	ecfg := cfg.EngineSettings()
	if opts.chunkSize > 0 {
		ecfg.ChunkSize = opts.chunkSize
	}
	notifier := &cliHooks{out: out, logger: logger, handoffDir: expandHome(cfg.Output.HandoffDir)}
	deps := engine.Deps{
		Transport:  tr,
		Logger:     logger.Slog(),
		Registerer: prometheus.NewRegistry(),
		Hooks: engine.Hooks{
			Stage:      notifier,
			ModeSwitch: notifier,
		},
	}
	if notifier.handoffDir != "" {
		deps.Hooks.Generation = notifier
	}
	if !opts.offline {
		deps.Synchronizer = client
		deps.Loader = client
		deps.Hooks.Title = client
	}
	eng, err := engine.New(ecfg, deps)
	if err != nil {
		_ = shutdown(ctx)
		_ = logger.Close()
		return nil, err
	}

	return &app{
		cfg:               cfg,
		logger:            logger,
		engine:            eng,
		client:            client,
		out:               out,
		shutdownTelemetry: shutdown,
	}, nil
}

// close waits for background syncs and hooks, then flushes telemetry.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for background work: %w", err))
	}
	if err := a.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// =============================================================================
// Hooks
// =============================================================================

// cliHooks reports pipeline progress on the terminal and writes generation
// handoffs to disk.
type cliHooks struct {
	out        *ux.Renderer
	logger     *logging.Logger
	handoffDir string
}

func (h *cliHooks) StageAdvanced(_ context.Context, ev engine.StageEvent) {
	if h.out.Level() == ux.PersonalityMachine {
		return
	}
	msg := fmt.Sprintf("stage %q reached", ev.Stage)
	if ev.Forced {
		msg += " (forced)"
	}
	h.out.Success(msg)
}

func (h *cliHooks) SessionCompleted(_ context.Context, sessionID string) {
	h.out.Success("session " + sessionID + " completed")
}

func (h *cliHooks) RequestModeSwitch(sessionID, mode string) {
	h.logger.Info("mode switch requested", "session_id", sessionID, "mode", mode)
}

// HandOff writes the snapshot to <handoffDir>/<session id>.json.
func (h *cliHooks) HandOff(_ context.Context, snapshot *session.Session) error {
	if err := os.MkdirAll(h.handoffDir, 0o750); err != nil {
		return fmt.Errorf("create handoff directory: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	path := filepath.Join(h.handoffDir, snapshot.ID+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	h.out.Success("generation handoff written to " + path)
	return nil
}
