// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/convostream/pkg/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for engine operations.
var (
	tracer = otel.Tracer("convostream.engine")
	meter  = otel.Meter("convostream.engine")
)

var (
	sendLatency   metric.Float64Histogram
	framesByShape metric.Int64Counter

	otelOnce     sync.Once
	otelErr      error
	otelWarnOnce sync.Once
)

// initOtelMetrics creates the instruments. Safe to call multiple times.
// A failure is sticky: the recorders below become no-ops.
func initOtelMetrics() error {
	otelOnce.Do(func() {
		sendLatency, framesByShape, otelErr = newOtelInstruments(meter)
	})
	return otelErr
}

func newOtelInstruments(m metric.Meter) (metric.Float64Histogram, metric.Int64Counter, error) {
	latency, err := m.Float64Histogram(
		"convostream_send_duration_seconds",
		metric.WithDescription("Duration of SendMessage including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create send latency histogram: %w", err)
	}

	frames, err := m.Int64Counter(
		"convostream_frames_by_shape_total",
		metric.WithDescription("Usable frames by payload shape"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create frame shape counter: %w", err)
	}
	return latency, frames, nil
}

// reportOtelInit runs init and logs its failure at most once per once.
func reportOtelInit(logger *slog.Logger, init func() error, once *sync.Once) {
	if err := init(); err != nil {
		once.Do(func() {
			logger.Warn("otel engine metrics disabled", "error", err)
		})
	}
}

// startSendSpan creates the span around one SendMessage call.
func startSendSpan(ctx context.Context, sessionID string, contentLen int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.SendMessage",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("message.length", contentLen),
		),
	)
}

// startAttemptSpan creates the span around one transport attempt.
func startAttemptSpan(ctx context.Context, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.attempt",
		trace.WithAttributes(attribute.Int("send.attempt", attempt)),
	)
}

// setAttemptSpanResult records what one attempt reconciled.
func setAttemptSpanResult(span trace.Span, frames int, completed bool) {
	span.SetAttributes(
		attribute.Int("stream.frames", frames),
		attribute.Bool("stream.completed", completed),
	)
}

func recordSendDuration(ctx context.Context, d time.Duration, result string) {
	if err := initOtelMetrics(); err != nil {
		return
	}
	sendLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}

func recordFrameShape(ctx context.Context, shape stream.Shape) {
	if err := initOtelMetrics(); err != nil {
		return
	}
	framesByShape.Add(ctx, 1, metric.WithAttributes(attribute.String("shape", string(shape))))
}
