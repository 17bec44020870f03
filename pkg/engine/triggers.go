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
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/stream"
)

// =============================================================================
// Hooks
// =============================================================================

// TitleGenerator produces a session title. Returning "" leaves the title
// unset. Implementations own caching and idempotence; the engine may call
// again before an earlier call returns.
type TitleGenerator interface {
	RequestTitle(ctx context.Context, sessionID string, conversationLength int, hasExistingTitle bool) (string, error)
}

// GenerationHandoff receives the whole session once the backend signals it
// is ready for page or code generation.
type GenerationHandoff interface {
	HandOff(ctx context.Context, snapshot *session.Session) error
}

// StageListener observes pipeline progress. Purely informational.
type StageListener interface {
	StageAdvanced(ctx context.Context, ev StageEvent)
	SessionCompleted(ctx context.Context, sessionID string)
}

// ModeSwitcher is asked to move the UI into another mode after a
// successful generation handoff.
type ModeSwitcher interface {
	RequestModeSwitch(sessionID, mode string)
}

// ModeGeneration is the mode requested after a generation handoff.
const ModeGeneration = "generation"

// Hooks bundles the collaborator callbacks. Nil members are skipped.
type Hooks struct {
	Title      TitleGenerator
	Generation GenerationHandoff
	Stage      StageListener
	ModeSwitch ModeSwitcher
}

// StageEvent describes one stage advance.
type StageEvent struct {
	SessionID string
	Agent     string
	Stage     string
	Forced    bool
	FinalTurn bool
}

// =============================================================================
// Dispatcher
// =============================================================================

// TriggerKind names a side effect the dispatcher decided to fire.
type TriggerKind string

const (
	TriggerTitle      TriggerKind = "title"
	TriggerGeneration TriggerKind = "generation"
	TriggerStage      TriggerKind = "stage_advance"
	TriggerCompletion TriggerKind = "completion"
)

// Trigger is one side effect to run after the session lock is released.
type Trigger struct {
	Kind TriggerKind

	// ConversationLength and HasTitle are captured for the title hook.
	ConversationLength int
	HasTitle           bool

	// Stage is set for TriggerStage.
	Stage StageEvent
}

// Dispatcher evaluates the trigger rules after each reconciled event.
//
// # Description
//
// Evaluate runs under the session lock. It performs the local bookkeeping
// (progress, counters, status) and returns the triggers to fire. The rules
// are independent; any combination can fire for one event:
//
//   - title: history length >= MinTitleMessages and no title yet
//   - generation: readyToGenerate / ready_for_design signal
//   - stage advance: intent "advance"
//   - completion: intent "done" together with done=true
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type Dispatcher struct {
	MinTitleMessages int
}

// NewDispatcher creates a dispatcher with the title threshold of 3.
func NewDispatcher() Dispatcher {
	return Dispatcher{MinTitleMessages: 3}
}

// Evaluate applies bookkeeping to s and returns the triggers ev fires.
func (d Dispatcher) Evaluate(s *session.Session, ev stream.StreamEvent) []Trigger {
	var out []Trigger
	progress := &s.Metadata.Progress

	if ev.Signals.FinalTurn {
		progress.FinalTurn = true
	}
	if pct, ok := progressPercentage(ev.Signals.CollectionProgress); ok {
		progress.Percentage = pct
	}

	if ev.Intent == stream.IntentAdvance {
		s.Metadata.Metrics.AgentTransitions++
		if ev.Signals.ForceAdvance {
			progress.ForcedAdvances++
		}
		if ev.AgentName != "" && ev.AgentName != progress.CurrentStage {
			if progress.CurrentStage != "" {
				progress.CompletedStages = append(progress.CompletedStages, progress.CurrentStage)
			}
			progress.CurrentStage = ev.AgentName
		}
		out = append(out, Trigger{
			Kind: TriggerStage,
			Stage: StageEvent{
				SessionID: s.ID,
				Agent:     ev.AgentName,
				Stage:     progress.CurrentStage,
				Forced:    ev.Signals.ForceAdvance,
				FinalTurn: ev.Signals.FinalTurn,
			},
		})
	}

	if ev.Signals.ReadyToGenerate {
		progress.ReadyForGeneration = true
		out = append(out, Trigger{Kind: TriggerGeneration})
	}

	if ev.Intent == stream.IntentDone && ev.IsDone && s.Status != session.StatusCompleted {
		s.Status = session.StatusCompleted
		if progress.CurrentStage != "" && !containsStage(progress.CompletedStages, progress.CurrentStage) {
			progress.CompletedStages = append(progress.CompletedStages, progress.CurrentStage)
		}
		progress.Percentage = 100
		out = append(out, Trigger{Kind: TriggerCompletion})
	}

	threshold := d.MinTitleMessages
	if threshold <= 0 {
		threshold = 3
	}
	if s.Len() >= threshold && strings.TrimSpace(s.Title) == "" {
		out = append(out, Trigger{
			Kind:               TriggerTitle,
			ConversationLength: s.Len(),
			HasTitle:           false,
		})
	}

	if len(out) > 0 {
		s.Touch()
	}
	return out
}

// progressPercentage reads collection_progress as a bare number, a
// {"percentage": n} object or a {"collected": a, "total": b} object.
func progressPercentage(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return clampPercent(n), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return clampPercent(v), true
		}
		return 0, false
	}

	var obj struct {
		Percentage *float64 `json:"percentage"`
		Collected  *float64 `json:"collected"`
		Total      *float64 `json:"total"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, false
	}
	if obj.Percentage != nil {
		return clampPercent(*obj.Percentage), true
	}
	if obj.Collected != nil && obj.Total != nil && *obj.Total > 0 {
		return clampPercent(*obj.Collected / *obj.Total * 100), true
	}
	return 0, false
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func containsStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}
