// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"encoding/json"

	"github.com/AleutianAI/convostream/pkg/session"
)

// =============================================================================
// Enumerations
// =============================================================================

// StreamType is the backend's declared position of a chunk within a turn.
type StreamType string

const (
	StreamStart    StreamType = "start"
	StreamDelta    StreamType = "delta"
	StreamComplete StreamType = "complete"
	StreamUnknown  StreamType = "unknown"
)

// ContentMode is the backend's declared merge discipline for a chunk.
type ContentMode string

const (
	ContentIncremental ContentMode = "incremental"
	ContentComplete    ContentMode = "complete"
	ContentUnspecified ContentMode = "unspecified"
)

// Intent is system_state.intent.
type Intent string

const (
	IntentNone     Intent = ""
	IntentAdvance  Intent = "advance"
	IntentDone     Intent = "done"
	IntentThinking Intent = "thinking"
)

// Shape names the payload layout an event was extracted from.
type Shape string

const (
	ShapeCanonical Shape = "canonical"
	ShapeTyped     Shape = "typed_agent_response"
	ShapeFlat      Shape = "flat"
	ShapeNested    Shape = "nested"
	ShapeHeuristic Shape = "heuristic"
	ShapeControl   Shape = "control"
	ShapePlainText Shape = "plain_text"
)

// =============================================================================
// StreamEvent
// =============================================================================

// Signals are control flags read from system_state.metadata.
type Signals struct {
	ReadyToGenerate    bool
	ForceAdvance       bool
	FinalTurn          bool
	CollectionProgress json.RawMessage
}

// StreamEvent is the normalized form of one frame.
//
// # Description
//
// StreamEvent is ephemeral: the normalizer builds it from a single frame,
// the reconciler consumes it immediately. It is never persisted.
//
// # Fields
//
//   - AgentName: Producing agent, "" when the payload did not say.
//   - ReplyText: Visible text carried by this chunk, "" when none.
//   - IsDone: system_state.done.
//   - IsUpdate: system_state.metadata.is_update.
//   - MessageID: system_state.metadata.message_id, "" when absent.
//   - StreamType, ContentMode: Declared merge hints; Unknown/Unspecified when absent.
//   - Intent: system_state.intent.
//   - Side: Side-channel snapshots (interaction form, files, tool calls, ...).
//   - Signals: Control flags for the trigger dispatcher.
//   - Shape: Which extractor produced the event.
//   - PlainText: The frame was not JSON; ReplyText holds the raw payload.
type StreamEvent struct {
	AgentName   string
	ReplyText   string
	IsDone      bool
	IsUpdate    bool
	MessageID   string
	StreamType  StreamType
	ContentMode ContentMode
	Intent      Intent
	Side        []session.SidePayload
	Signals     Signals
	Shape       Shape
	PlainText   bool
}

// HasText reports whether the event carries visible text.
func (e StreamEvent) HasText() bool {
	return e.ReplyText != ""
}

// SidePayload returns the first side payload of the given kind.
func (e StreamEvent) SidePayload(kind session.SideKind) (session.SidePayload, bool) {
	for _, p := range e.Side {
		if p.Kind == kind {
			return p, true
		}
	}
	return session.SidePayload{}, false
}
