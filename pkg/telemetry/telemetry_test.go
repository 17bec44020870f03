// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// =============================================================================
// Init Tests
// =============================================================================

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	shutdown, err := Init(nil, Config{})
	if !errors.Is(err, ErrNilContext) {
		t.Fatalf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown after failed Init = %v", err)
	}
}

func TestInit_UnknownExporters(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"trace", Config{ServiceName: "t", TraceExporter: "zipkin"}},
		{"metric", Config{ServiceName: "t", MetricExporter: "statsd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(context.Background(), tt.cfg)
			if !errors.Is(err, ErrUnknownExporter) {
				t.Fatalf("Init() error = %v, want %v", err, ErrUnknownExporter)
			}
		})
	}
}

func TestInit_OTLPRequiresEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Config{ServiceName: "t", TraceExporter: ExporterOTLP})
	if err == nil {
		t.Fatal("expected an error without an endpoint")
	}
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "convo-test",
		TraceExporter: ExporterStdout,
		Output:        &buf,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "Engine.SendMessage")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Engine.SendMessage") {
		t.Errorf("span not exported: %q", buf.String())
	}
}

func TestInit_PrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	shutdown, err := Init(context.Background(), Config{
		ServiceName:    "convo-test",
		MetricExporter: ExporterPrometheus,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	counter, err := otel.Meter("test").Int64Counter("convostream_test_events")
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	counter.Add(context.Background(), 2, metric.WithAttributes())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "convostream_test_events") {
			found = true
		}
	}
	if !found {
		t.Error("otel counter not visible through the prometheus registry")
	}
}

// =============================================================================
// Tracing Helper Tests
// =============================================================================

func TestTraceID_NoSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID() = %q, want empty", id)
	}
}

func TestHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanOK(nil)
	InjectContext(context.Background(), http.Header{})
}
