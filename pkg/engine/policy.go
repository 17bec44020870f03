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
	"strings"

	"github.com/AleutianAI/convostream/pkg/stream"
)

// =============================================================================
// Merge Operations
// =============================================================================

// MergeOp is how a chunk's text combines with the active message.
type MergeOp int

const (
	// OpAppend sets content = old + new.
	OpAppend MergeOp = iota

	// OpReplace sets content = new.
	OpReplace
)

func (op MergeOp) String() string {
	if op == OpReplace {
		return "replace"
	}
	return "append"
}

// Tier identifies which precedence rule produced a decision.
type Tier int

const (
	// TierExplicitReplace: complete content mode, complete stream type, or
	// a start frame not marked incremental.
	TierExplicitReplace Tier = 1

	// TierExplicitAppend: incremental content mode, a code agent, or a
	// delta frame.
	TierExplicitAppend Tier = 2

	// TierAgentDefault: nothing explicit; the agent's class decides.
	TierAgentDefault Tier = 3
)

// MergeDecision is the outcome of MergePolicy.Decide.
type MergeDecision struct {
	Op   MergeOp
	Tier Tier

	// Ambiguous is set when the decision fell through to the agent default
	// for an agent whose class is unknown.
	Ambiguous bool
}

// =============================================================================
// Agent Profile
// =============================================================================

// AgentClass groups agents by streaming discipline.
type AgentClass int

const (
	AgentUnknown AgentClass = iota

	// AgentConversational agents resend the full text so far on every chunk.
	AgentConversational

	// AgentCode agents stream deltas.
	AgentCode
)

func (c AgentClass) String() string {
	switch c {
	case AgentConversational:
		return "conversational"
	case AgentCode:
		return "code"
	default:
		return "unknown"
	}
}

// AgentProfile classifies agents by case-insensitive substring match on
// their name. Code patterns are checked first.
type AgentProfile struct {
	Code           []string `yaml:"code" json:"code"`
	Conversational []string `yaml:"conversational" json:"conversational"`
}

// DefaultAgentProfile matches the agent names the backend ships with.
func DefaultAgentProfile() AgentProfile {
	return AgentProfile{
		Code:           []string{"coding", "code", "generator"},
		Conversational: []string{"welcome", "conversation"},
	}
}

// Classify returns the class of the named agent.
func (p AgentProfile) Classify(agent string) AgentClass {
	name := strings.ToLower(strings.TrimSpace(agent))
	if name == "" {
		return AgentUnknown
	}
	if containsAny(name, p.Code) {
		return AgentCode
	}
	if containsAny(name, p.Conversational) {
		return AgentConversational
	}
	return AgentUnknown
}

func containsAny(name string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// =============================================================================
// Merge Policy
// =============================================================================

// MergePolicy decides append versus replace for one event.
//
// # Description
//
// Precedence, first match wins:
//
//  1. replace: content_mode complete, stream_type complete, or stream_type
//     start without content_mode incremental.
//  2. append: content_mode incremental, a code agent, stream_type delta,
//     or is_update with an incremental mode.
//  3. agent default: conversational agents replace, everybody else
//     appends. Unknown agents are flagged ambiguous.
//
// # Thread Safety
//
// Immutable; safe for concurrent use.
type MergePolicy struct {
	Profile AgentProfile
}

// Decide applies the precedence table to ev.
func (p MergePolicy) Decide(ev stream.StreamEvent) MergeDecision {
	switch {
	case ev.ContentMode == stream.ContentComplete,
		ev.StreamType == stream.StreamComplete,
		ev.StreamType == stream.StreamStart && ev.ContentMode != stream.ContentIncremental:
		return MergeDecision{Op: OpReplace, Tier: TierExplicitReplace}
	}

	class := p.Profile.Classify(ev.AgentName)
	switch {
	case ev.ContentMode == stream.ContentIncremental,
		class == AgentCode,
		ev.StreamType == stream.StreamDelta,
		ev.IsUpdate && ev.ContentMode == stream.ContentIncremental:
		return MergeDecision{Op: OpAppend, Tier: TierExplicitAppend}
	}

	switch class {
	case AgentConversational:
		return MergeDecision{Op: OpReplace, Tier: TierAgentDefault}
	case AgentCode:
		return MergeDecision{Op: OpAppend, Tier: TierAgentDefault}
	default:
		return MergeDecision{Op: OpAppend, Tier: TierAgentDefault, Ambiguous: true}
	}
}
