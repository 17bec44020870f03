// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Message Types
// =============================================================================

// MessageType identifies who produced a message.
type MessageType string

const (
	// MessageUser is text the user typed or submitted through a form.
	MessageUser MessageType = "user_message"

	// MessageAgent is a (possibly still streaming) reply from a backend agent.
	MessageAgent MessageType = "agent_response"

	// MessageSystem is produced locally: parse fallbacks, apologies after
	// exhausted retries.
	MessageSystem MessageType = "system_event"
)

// SystemAgent is the agent name stamped on locally produced system messages.
const SystemAgent = "system"

// Message is one entry of a session's conversation history.
//
// # Description
//
// Content is the only field that multiple stream chunks build cooperatively.
// Timestamp is refreshed on every mutation. Id is stable once assigned.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Agent     string          `json:"agent,omitempty"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  MessageMetadata `json:"metadata"`
}

// NewUserMessage creates a user message with a client-side id.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      MessageUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a locally authored system_event message.
func NewSystemMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      MessageSystem,
		Agent:     SystemAgent,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Touch refreshes the mutation timestamp.
func (m *Message) Touch() {
	m.Timestamp = time.Now()
}

// =============================================================================
// Side-Channel Metadata
// =============================================================================

// SideKind enumerates the side-channel payloads a stream event can carry.
//
// Every kind is a snapshot: the newest value replaces the stored one
// wholesale. Diagnostics are not a side kind; the reconciler owns them.
type SideKind string

const (
	SideInteraction SideKind = "interaction"
	SideFiles       SideKind = "generated_files"
	SideToolCalls   SideKind = "tool_calls"
	SideProgress    SideKind = "progress"
	SideUnknown     SideKind = "unknown"
)

// SidePayload is one side-channel value attached to a stream event.
//
// Key is only meaningful for SideUnknown, where it names the pass-through
// field the value arrived under.
type SidePayload struct {
	Kind  SideKind
	Key   string
	Value json.RawMessage
}

// Diagnostics counts how a message was assembled.
type Diagnostics struct {
	Chunks      int  `json:"chunks"`
	Appends     int  `json:"appends"`
	Replaces    int  `json:"replaces"`
	Interrupted bool `json:"interrupted,omitempty"`
	Ambiguous   int  `json:"ambiguous,omitempty"`
}

// MessageMetadata is the typed replacement for an open metadata bag.
//
// Fields holding json.RawMessage are opaque snapshots owned by the backend.
// They are never modified in place, only swapped, so they may be shared
// between a message and its snapshots.
type MessageMetadata struct {
	Streaming      bool                       `json:"streaming,omitempty"`
	Interaction    json.RawMessage            `json:"interaction,omitempty"`
	GeneratedFiles json.RawMessage            `json:"generatedFiles,omitempty"`
	ToolCalls      json.RawMessage            `json:"toolCalls,omitempty"`
	Progress       json.RawMessage            `json:"progress,omitempty"`
	Diagnostics    Diagnostics                `json:"diagnostics"`
	Extra          map[string]json.RawMessage `json:"extra,omitempty"`
}

// ApplySide stores p if its serialized value differs from the current one.
//
// # Outputs
//
//   - bool: true when the stored value changed.
func (md *MessageMetadata) ApplySide(p SidePayload) bool {
	value := compactJSON(p.Value)
	if len(value) == 0 {
		return false
	}

	var slot *json.RawMessage
	switch p.Kind {
	case SideInteraction:
		slot = &md.Interaction
	case SideFiles:
		slot = &md.GeneratedFiles
	case SideToolCalls:
		slot = &md.ToolCalls
	case SideProgress:
		slot = &md.Progress
	case SideUnknown:
		if p.Key == "" {
			return false
		}
		if bytes.Equal(md.Extra[p.Key], value) {
			return false
		}
		if md.Extra == nil {
			md.Extra = make(map[string]json.RawMessage)
		}
		md.Extra[p.Key] = value
		return true
	default:
		return false
	}

	if bytes.Equal(*slot, value) {
		return false
	}
	*slot = value
	return true
}

// clone copies the metadata; raw snapshots are shared, the Extra map is not.
func (md MessageMetadata) clone() MessageMetadata {
	out := md
	if md.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(md.Extra))
		for k, v := range md.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// compactJSON normalizes whitespace so equal values compare equal.
// Values that are not valid JSON are returned unchanged.
func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	if buf.String() == "null" {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}
