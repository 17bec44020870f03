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
	"sort"
	"strings"
)

// =============================================================================
// Extractor Interface
// =============================================================================

// Extraction is what an extractor pulls out of a recognized payload.
type Extraction struct {
	Agent       string
	Text        string
	Interaction json.RawMessage
}

// Extractor recognizes one payload layout.
//
// Extract returns ok=false when the payload is not in its layout; the
// normalizer then tries the next extractor in the chain.
type Extractor interface {
	Shape() Shape
	Extract(o Object) (Extraction, bool)
}

// DefaultExtractors returns the chain in priority order:
//
//  1. canonical   {"immediate_display":{"reply":..., "agent_name":...}}
//  2. typed       {"type":"agent_response", "immediate_display":{...}}
//  3. flat        {"content":..., "agent"|"agent_name":...}
//  4. nested      {"data":{"immediate_display":{"reply":...}}}
//  5. heuristic   {"reply"|"message"|"text":...}
func DefaultExtractors() []Extractor {
	return []Extractor{
		canonicalExtractor{},
		typedExtractor{},
		flatExtractor{},
		nestedExtractor{},
		heuristicExtractor{},
	}
}

// =============================================================================
// Extractors
// =============================================================================

type canonicalExtractor struct{}

func (canonicalExtractor) Shape() Shape { return ShapeCanonical }

// Extract accepts an immediate_display object whose reply is a string,
// unless the payload is explicitly typed; typed payloads belong to the
// legacy extractor.
func (canonicalExtractor) Extract(o Object) (Extraction, bool) {
	if isAgentResponseType(o) {
		return Extraction{}, false
	}
	return fromImmediateDisplay(o, false)
}

type typedExtractor struct{}

func (typedExtractor) Shape() Shape { return ShapeTyped }

// Extract accepts the legacy `type: agent_response` envelope, tolerating
// the "agent response" spelling and a content field in place of reply.
func (typedExtractor) Extract(o Object) (Extraction, bool) {
	if !isAgentResponseType(o) {
		return Extraction{}, false
	}
	x, ok := fromImmediateDisplay(o, true)
	if !ok {
		return Extraction{}, false
	}
	if x.Agent == "" {
		x.Agent = o.Agent()
	}
	return x, true
}

type flatExtractor struct{}

func (flatExtractor) Shape() Shape { return ShapeFlat }

func (flatExtractor) Extract(o Object) (Extraction, bool) {
	text, ok := o.Str("content")
	if !ok {
		return Extraction{}, false
	}
	return Extraction{Agent: o.Agent(), Text: text}, true
}

type nestedExtractor struct{}

func (nestedExtractor) Shape() Shape { return ShapeNested }

func (nestedExtractor) Extract(o Object) (Extraction, bool) {
	data, ok := o.Obj("data")
	if !ok {
		return Extraction{}, false
	}
	x, ok := fromImmediateDisplay(data, false)
	if !ok {
		return Extraction{}, false
	}
	if x.Agent == "" {
		x.Agent = data.Agent()
	}
	return x, true
}

type heuristicExtractor struct{}

func (heuristicExtractor) Shape() Shape { return ShapeHeuristic }

func (heuristicExtractor) Extract(o Object) (Extraction, bool) {
	for _, key := range []string{"reply", "message", "text"} {
		if text, ok := o.Str(key); ok && text != "" {
			return Extraction{Agent: o.Agent(), Text: text}, true
		}
	}
	return Extraction{}, false
}

// fromImmediateDisplay reads parent.immediate_display. An empty reply is
// still a match: start frames often carry no text yet.
func fromImmediateDisplay(parent Object, allowContent bool) (Extraction, bool) {
	display, ok := parent.Obj("immediate_display")
	if !ok {
		return Extraction{}, false
	}
	text, ok := display.Str("reply")
	if !ok && allowContent {
		text, ok = display.Str("content")
	}
	if !ok {
		return Extraction{}, false
	}
	x := Extraction{Agent: display.Agent(), Text: text}
	if raw, ok := display.Raw("interaction"); ok {
		x.Interaction = raw
	}
	return x, true
}

func isAgentResponseType(o Object) bool {
	t, ok := o.Str("type")
	if !ok {
		return false
	}
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.NewReplacer(" ", "_", "-", "_").Replace(t)
	return t == "agent_response"
}

// =============================================================================
// Lenient JSON Object Access
// =============================================================================

// Object is a decoded JSON object. Accessors never fail on type mismatch;
// they report absence instead.
type Object map[string]any

// Str reads a string field.
func (o Object) Str(key string) (string, bool) {
	s, ok := o[key].(string)
	return s, ok
}

// Obj reads a nested object field.
func (o Object) Obj(key string) (Object, bool) {
	m, ok := o[key].(map[string]any)
	return Object(m), ok
}

// Bool accepts JSON true and the strings "true"/"1".
func (o Object) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "true" || v == "1"
	default:
		return false
	}
}

// ID reads a string or numeric identifier.
func (o Object) ID(key string) string {
	switch v := o[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Raw re-encodes a present, non-null value.
func (o Object) Raw(key string) (json.RawMessage, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

// Agent reads agent_name, then agent.
func (o Object) Agent() string {
	if name, ok := o.Str("agent_name"); ok && name != "" {
		return name
	}
	if name, ok := o.Str("agent"); ok {
		return name
	}
	return ""
}

// Keys returns the object's keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
