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
	"errors"
	"io"
	"strings"

	"github.com/AleutianAI/convostream/pkg/session"
)

// =============================================================================
// Verdicts
// =============================================================================

// Verdict classifies what the normalizer made of a frame.
type Verdict string

const (
	// VerdictUsable means the returned event should be reconciled.
	VerdictUsable Verdict = "usable"

	// VerdictThinking marks internal status frames that must never become
	// visible content.
	VerdictThinking Verdict = "thinking"

	// VerdictUnrecognized marks JSON with no extractable text or control data.
	VerdictUnrecognized Verdict = "unrecognized"

	// VerdictEmpty marks a blank payload.
	VerdictEmpty Verdict = "empty"
)

// Usable reports whether the verdict carries an event.
func (v Verdict) Usable() bool {
	return v == VerdictUsable
}

var errTrailingData = errors.New("trailing data after JSON value")

// metadata keys consumed as control fields; everything else under
// system_state.metadata is passed through as a side payload.
var controlKeys = map[string]bool{
	"message_id":          true,
	"is_update":           true,
	"stream_type":         true,
	"content_mode":        true,
	"readyToGenerate":     true,
	"ready_for_design":    true,
	"force_advance":       true,
	"final_turn":          true,
	"collection_progress": true,
}

// sideKeys maps metadata keys onto typed side-channel kinds.
var sideKeys = map[string]session.SideKind{
	"interaction":     session.SideInteraction,
	"generated_files": session.SideFiles,
	"files":           session.SideFiles,
	"tool_calls":      session.SideToolCalls,
	"progress":        session.SideProgress,
}

// =============================================================================
// Normalizer
// =============================================================================

// Normalizer maps one frame payload to a StreamEvent.
//
// # Description
//
// Normalize never fails. JSON that does not parse is returned as a
// plain-text event so non-empty data is never dropped. Parsed objects are
// handed to an ordered chain of extractors; the first one that recognizes
// the payload supplies agent and text. system_state control fields are read
// independently of which extractor matched.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use.
type Normalizer struct {
	chain []Extractor
}

// NewNormalizer creates a normalizer. With no extractors the default chain
// is used.
func NewNormalizer(extractors ...Extractor) *Normalizer {
	if len(extractors) == 0 {
		extractors = DefaultExtractors()
	}
	return &Normalizer{chain: extractors}
}

// Normalize converts a frame payload into an event.
//
// # Outputs
//
//   - StreamEvent: Meaningful only when the verdict is usable.
//   - Verdict: Tombstone verdicts tell the caller to skip the frame.
func (n *Normalizer) Normalize(payload string) (StreamEvent, Verdict) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return StreamEvent{}, VerdictEmpty
	}

	top, err := decodeJSON(payload)
	if err != nil {
		return plainText(payload), VerdictUsable
	}

	obj, ok := top.(map[string]any)
	if !ok {
		if s, isString := top.(string); isString {
			if strings.TrimSpace(s) == "" {
				return StreamEvent{}, VerdictEmpty
			}
			return plainText(s), VerdictUsable
		}
		if top == nil {
			return StreamEvent{}, VerdictEmpty
		}
		// Arrays, numbers and booleans parsed fine but carry no known shape.
		return StreamEvent{}, VerdictUnrecognized
	}
	o := Object(obj)

	event := StreamEvent{
		StreamType:  StreamUnknown,
		ContentMode: ContentUnspecified,
	}
	state, hasState := o.Obj("system_state")
	if hasState {
		readSystemState(state, &event)
		if event.Intent == IntentThinking {
			return StreamEvent{}, VerdictThinking
		}
	}

	matched := false
	for _, ex := range n.chain {
		x, ok := ex.Extract(o)
		if !ok {
			continue
		}
		matched = true
		event.Shape = ex.Shape()
		event.AgentName = x.Agent
		event.ReplyText = x.Text
		if len(x.Interaction) > 0 {
			// The displayed form wins over a copy under system_state.metadata.
			event.Side = withInteraction(event.Side, x.Interaction)
		}
		break
	}

	if !matched {
		if !hasState {
			return StreamEvent{}, VerdictUnrecognized
		}
		event.Shape = ShapeControl
	}
	if event.AgentName == "" {
		event.AgentName = o.Agent()
	}
	if _, ok := event.SidePayload(session.SideInteraction); !ok {
		if raw, ok := o.Raw("interaction"); ok {
			event.Side = append(event.Side, session.SidePayload{Kind: session.SideInteraction, Value: raw})
		}
	}
	return event, VerdictUsable
}

func withInteraction(side []session.SidePayload, form json.RawMessage) []session.SidePayload {
	out := make([]session.SidePayload, 0, len(side)+1)
	out = append(out, session.SidePayload{Kind: session.SideInteraction, Value: form})
	for _, p := range side {
		if p.Kind != session.SideInteraction {
			out = append(out, p)
		}
	}
	return out
}

// decodeJSON parses exactly one JSON value, keeping numbers exact.
func decodeJSON(payload string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var top any
	if err := dec.Decode(&top); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return top, nil
}

func plainText(text string) StreamEvent {
	return StreamEvent{
		AgentName:   session.SystemAgent,
		ReplyText:   text,
		StreamType:  StreamUnknown,
		ContentMode: ContentUnspecified,
		Shape:       ShapePlainText,
		PlainText:   true,
	}
}

// readSystemState copies system_state control fields onto the event.
func readSystemState(state Object, event *StreamEvent) {
	event.IsDone = state.Bool("done")
	if intent, ok := state.Str("intent"); ok {
		event.Intent = Intent(strings.ToLower(strings.TrimSpace(intent)))
	}

	md, ok := state.Obj("metadata")
	if !ok {
		return
	}

	event.MessageID = md.ID("message_id")
	event.IsUpdate = md.Bool("is_update")
	if st, ok := md.Str("stream_type"); ok {
		event.StreamType = parseStreamType(st)
	}
	if cm, ok := md.Str("content_mode"); ok {
		event.ContentMode = parseContentMode(cm)
	}
	event.Signals = Signals{
		ReadyToGenerate: md.Bool("readyToGenerate") || md.Bool("ready_for_design"),
		ForceAdvance:    md.Bool("force_advance"),
		FinalTurn:       md.Bool("final_turn"),
	}
	if raw, ok := md.Raw("collection_progress"); ok {
		event.Signals.CollectionProgress = raw
	}

	for _, key := range md.Keys() {
		if controlKeys[key] {
			continue
		}
		raw, ok := md.Raw(key)
		if !ok {
			continue
		}
		if kind, known := sideKeys[key]; known {
			event.Side = append(event.Side, session.SidePayload{Kind: kind, Value: raw})
			continue
		}
		event.Side = append(event.Side, session.SidePayload{Kind: session.SideUnknown, Key: key, Value: raw})
	}
}

func parseStreamType(s string) StreamType {
	switch StreamType(strings.ToLower(strings.TrimSpace(s))) {
	case StreamStart:
		return StreamStart
	case StreamDelta:
		return StreamDelta
	case StreamComplete:
		return StreamComplete
	default:
		return StreamUnknown
	}
}

func parseContentMode(s string) ContentMode {
	switch ContentMode(strings.ToLower(strings.TrimSpace(s))) {
	case ContentIncremental:
		return ContentIncremental
	case ContentComplete:
		return ContentComplete
	default:
		return ContentUnspecified
	}
}
