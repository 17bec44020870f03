// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sessiond is the session backend: a Badger-backed session store
// and a scripted streaming agent behind one HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/telemetry"
	"github.com/AleutianAI/convostream/services/sessiond/handlers"
	"github.com/AleutianAI/convostream/services/sessiond/middleware"
	"github.com/AleutianAI/convostream/services/sessiond/routes"
	"github.com/AleutianAI/convostream/services/sessiond/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

const serviceName = "sessiond"

// serverConfig is read from the environment.
type serverConfig struct {
	Port      string
	DataDir   string
	InMemory  bool
	RateLimit float64
	Burst     int
	LogLevel  logging.Level
	FrameGap  time.Duration
}

func loadConfig(getenv func(string) string) (serverConfig, error) {
	cfg := serverConfig{
		Port:      "12310",
		DataDir:   "./data/sessions",
		RateLimit: 20,
		Burst:     40,
		LogLevel:  logging.LevelInfo,
		FrameGap:  40 * time.Millisecond,
	}
	if v := getenv("SESSIOND_PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("SESSIOND_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.InMemory = getenv("SESSIOND_IN_MEMORY") == "true"
	if v := getenv("SESSIOND_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("SESSIOND_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	if v := getenv("SESSIOND_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SESSIOND_RATE_BURST: %w", err)
		}
		cfg.Burst = n
	}
	if v := getenv("SESSIOND_LOG_LEVEL"); v != "" {
		lvl, err := logging.ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("SESSIOND_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if v := getenv("SESSIOND_FRAME_GAP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("SESSIOND_FRAME_GAP: %w", err)
		}
		cfg.FrameGap = d
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Service: serviceName, JSON: true})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sessiond stopped", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg serverConfig, logger *logging.Logger) error {
	tcfg := telemetry.DefaultConfig(serviceName)
	tcfg.Registerer = prometheus.DefaultRegisterer
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	scfg := store.DefaultConfig(cfg.DataDir)
	if cfg.InMemory {
		scfg = store.InMemoryConfig()
	}
	scfg.Logger = logger.Slog()
	st, err := store.Open(scfg)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := middleware.NewHTTPMetrics(prometheus.DefaultRegisterer)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.Burst)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, routes.Deps{
		Handlers: handlers.New(st, &handlers.ScriptedAgent{ChunkWords: 3, Delay: cfg.FrameGap}, logger.Slog()),
		Limiter:  limiter,
		Metrics:  metrics,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sessiond listening", "addr", srv.Addr, "data_dir", scfg.Path, "in_memory", scfg.InMemory)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logger.Debug("rate limiter swept", "clients", limiter.Sweep())
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		logger.Info("sessiond shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
