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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "convostream"

const engineSubsystem = "engine"

// Metrics holds the Prometheus collectors of one engine.
//
// # Fields
//
//   - FramesTotal: Frames seen by normalizer verdict.
//     Labels: verdict (usable, thinking, unrecognized, empty)
//   - MergesTotal: Merges into a streaming message.
//     Labels: op (append, replace), tier (1, 2, 3)
//   - AmbiguousMergesTotal: Merges decided by the unknown-agent default.
//   - SendAttemptsTotal: Individual attempts. Labels: result (success, error)
//   - SendsTotal: Outer sends. Labels: result (success, exhausted, cancelled, deduplicated)
//   - DedupRejectionsTotal: Sends dropped by the in-flight guard.
//   - TriggersTotal: Fired side effects. Labels: kind
//   - SyncsTotal: Sync calls. Labels: checkpoint, result (ok, error)
//   - ActiveStreams: Attempts currently reading a stream.
//   - StreamDurationSeconds: Wall time of successful attempts.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	FramesTotal           *prometheus.CounterVec
	MergesTotal           *prometheus.CounterVec
	AmbiguousMergesTotal  prometheus.Counter
	SendAttemptsTotal     *prometheus.CounterVec
	SendsTotal            *prometheus.CounterVec
	DedupRejectionsTotal  prometheus.Counter
	TriggersTotal         *prometheus.CounterVec
	SyncsTotal            *prometheus.CounterVec
	ActiveStreams         prometheus.Gauge
	StreamDurationSeconds prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg. A nil reg gets a
// private registry, so several engines in one process do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "frames_total",
				Help:      "Stream frames by normalizer verdict",
			},
			[]string{"verdict"},
		),
		MergesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "merges_total",
				Help:      "Chunk merges into a streaming message by operation and precedence tier",
			},
			[]string{"op", "tier"},
		),
		AmbiguousMergesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "ambiguous_merges_total",
				Help:      "Merges that fell back to the default for an unclassified agent",
			},
		),
		SendAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "send_attempts_total",
				Help:      "Individual send attempts by result",
			},
			[]string{"result"},
		),
		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "sends_total",
				Help:      "Outer send calls by final result",
			},
			[]string{"result"},
		),
		DedupRejectionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "dedup_rejections_total",
				Help:      "Sends dropped because an identical send was in flight",
			},
		),
		TriggersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "triggers_total",
				Help:      "Side-effect triggers fired by kind",
			},
			[]string{"kind"},
		),
		SyncsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "syncs_total",
				Help:      "Session sync calls by checkpoint and result",
			},
			[]string{"checkpoint", "result"},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_streams",
				Help:      "Send attempts currently reading a response stream",
			},
		),
		StreamDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Duration of successful send attempts",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}

// RecordMerge counts one merge decision.
func (m *Metrics) RecordMerge(d MergeDecision) {
	m.MergesTotal.WithLabelValues(d.Op.String(), strconv.Itoa(int(d.Tier))).Inc()
	if d.Ambiguous {
		m.AmbiguousMergesTotal.Inc()
	}
}

// RecordAttempt counts one attempt and, on success, its duration.
func (m *Metrics) RecordAttempt(err error, elapsed time.Duration) {
	if err != nil {
		m.SendAttemptsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SendAttemptsTotal.WithLabelValues("success").Inc()
	m.StreamDurationSeconds.Observe(elapsed.Seconds())
}

// RecordSync counts one sync call.
func (m *Metrics) RecordSync(checkpoint string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SyncsTotal.WithLabelValues(checkpoint, result).Inc()
}
