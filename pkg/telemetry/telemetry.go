// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers for convostream
// binaries.
//
// # Description
//
// Library packages only use the global otel API (otel.Tracer, otel.Meter)
// and stay no-op until a binary calls Init. Init wires:
//
//   - traces: OTLP over gRPC, pretty stdout, or none
//   - metrics: a Prometheus reader on a caller-supplied registry, periodic
//     stdout, or none
//   - W3C TraceContext + Baggage propagation, so the engine's outgoing
//     send/sync requests join the backend's traces
//
// # Thread Safety
//
// Init mutates process-wide otel globals. Call it once from main.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names accepted in Config.
const (
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterNone       = "none"
)

// =============================================================================
// Configuration
// =============================================================================

// Config selects exporters and identifies the service.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string

	// OTLPEndpoint is the collector's gRPC address (host:port).
	OTLPEndpoint string

	// Registerer receives the Prometheus collector when MetricExporter is
	// "prometheus". Nil means prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Output receives stdout exporter output. Nil means os.Stdout.
	Output io.Writer
}

// DefaultConfig reads the standard OTEL_* environment variables.
//
// With OTEL_EXPORTER_OTLP_ENDPOINT unset, traces go nowhere; the backend
// still serves Prometheus metrics.
func DefaultConfig(service string) Config {
	cfg := Config{
		ServiceName:    service,
		ServiceVersion: "0.1.0",
		Environment:    getEnvOr("CONVOSTREAM_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.OTLPEndpoint != "" && os.Getenv("OTEL_TRACES_EXPORTER") == "" {
		cfg.TraceExporter = ExporterOTLP
	}
	return cfg
}

// =============================================================================
// Initialization
// =============================================================================

// Init installs global tracer and meter providers.
//
// # Outputs
//
//   - shutdown: Flushes and stops every provider Init created. Safe to
//     call when Init returned an error; it is then a no-op.
//   - error: ErrNilContext, ErrUnknownExporter or an exporter failure.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	var cleanups []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if ctx == nil {
		return shutdown, ErrNilContext
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	))
	if err != nil {
		// Schema URL conflicts between SDK and semconv versions are not
		// fatal; fall back to our attributes alone.
		res = resource.NewSchemaless(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.TraceExporter != "" && cfg.TraceExporter != ExporterNone {
		tp, closeConn, err := newTracerProvider(ctx, cfg, res, out)
		if err != nil {
			return shutdown, fmt.Errorf("init tracer: %w", err)
		}
		if closeConn != nil {
			cleanups = append(cleanups, closeConn)
		}
		cleanups = append(cleanups, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricExporter != "" && cfg.MetricExporter != ExporterNone {
		mp, err := newMeterProvider(cfg, res, out)
		if err != nil {
			return shutdown, fmt.Errorf("init meter: %w", err)
		}
		cleanups = append(cleanups, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	var (
		exporter  sdktrace.SpanExporter
		closeConn func(context.Context) error
		err       error
	)

	switch cfg.TraceExporter {
	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return nil, nil, errors.New("otlp exporter requires an endpoint")
		}
		conn, dialErr := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			return nil, nil, fmt.Errorf("create grpc client: %w", dialErr)
		}
		closeConn = func(context.Context) error { return conn.Close() }
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
		}
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, closeConn, nil
}

func newMeterProvider(cfg Config, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
