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
	"log/slog"

	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/stream"
	"github.com/google/uuid"
)

// =============================================================================
// Outcome
// =============================================================================

// Outcome reports what one Apply call did to the session.
type Outcome struct {
	// Created is set when a new message was appended.
	Created bool

	// Merged is set when text was merged into the active message.
	Merged bool

	// Decision is the merge decision. Meaningful only when Merged is set.
	Decision MergeDecision

	// Index is the history index of the message touched, or -1.
	Index int

	// SideChanged is set when any side-channel metadata was replaced.
	SideChanged bool

	// Finalized is set when a previous streaming message was closed
	// because a different message id arrived.
	Finalized bool

	// Done mirrors the event's done flag. The caller syncs on it.
	Done bool
}

// Changed reports whether the session was mutated.
func (o Outcome) Changed() bool {
	return o.Created || o.Merged || o.SideChanged || o.Finalized
}

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler is the per-session Idle/Streaming state machine.
//
// # Description
//
// While Idle, an event with text (or an interaction form) creates a new
// agent_response message and the reconciler becomes Streaming on it. While
// Streaming, events merge into that message using the MergePolicy unless
// they carry a different message id, which closes the current message
// first. A done event returns the reconciler to Idle.
//
// Plain-text fallback events always become a separate system_event message
// and never touch the active pointer.
//
// # Thread Safety
//
// Not safe for concurrent use. The engine holds the session's lock around
// every call.
type Reconciler struct {
	policy MergePolicy
	logger *slog.Logger

	streaming bool
	index     int
	streamID  string
}

// NewReconciler creates an Idle reconciler.
func NewReconciler(policy MergePolicy, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		policy: policy,
		logger: logging.OrDiscard(logger),
		index:  -1,
	}
}

// Streaming reports whether a message is active, and its history index.
func (r *Reconciler) Streaming() (int, bool) {
	return r.index, r.streaming
}

// Apply merges one usable event into s.
func (r *Reconciler) Apply(s *session.Session, ev stream.StreamEvent) Outcome {
	out := Outcome{Index: -1, Done: ev.IsDone}

	if ev.PlainText {
		if ev.ReplyText == "" {
			return out
		}
		out.Index = s.Append(session.NewSystemMessage(ev.ReplyText))
		out.Created = true
		return out
	}

	r.revalidate(s)

	if r.streaming && ev.MessageID != "" && r.streamID != "" && ev.MessageID != r.streamID {
		r.finalize(s)
		out.Finalized = true
	}

	if r.streaming {
		out = r.merge(s, ev, out)
	} else {
		out = r.start(s, ev, out)
	}

	if ev.IsDone && r.streaming {
		r.finalize(s)
	}
	return out
}

// Finish closes the active message at end of stream. Streams that end
// without a done event must not leave a streaming flag behind.
func (r *Reconciler) Finish(s *session.Session) bool {
	r.revalidate(s)
	if !r.streaming {
		return false
	}
	r.finalize(s)
	return true
}

// Abort closes the active message after a failed attempt and marks it
// interrupted. Its partial content stays visible.
func (r *Reconciler) Abort(s *session.Session) bool {
	r.revalidate(s)
	if !r.streaming {
		return false
	}
	msg := &s.ConversationHistory[r.index]
	msg.Metadata.Diagnostics.Interrupted = true
	r.finalize(s)
	return true
}

// Reset drops the active pointer without touching the session. Used when
// the session object is replaced wholesale.
func (r *Reconciler) Reset() {
	r.streaming = false
	r.index = -1
	r.streamID = ""
}

// start handles an event while Idle.
func (r *Reconciler) start(s *session.Session, ev stream.StreamEvent, out Outcome) Outcome {
	_, hasForm := ev.SidePayload(session.SideInteraction)
	if !ev.HasText() && !hasForm {
		// Late side payloads (file manifests after done) attach to the
		// most recent agent message.
		if idx := lastAgentMessage(s); idx >= 0 && len(ev.Side) > 0 {
			msg := &s.ConversationHistory[idx]
			if applySides(&msg.Metadata, ev.Side) {
				msg.Touch()
				s.Touch()
				out.SideChanged = true
				out.Index = idx
			}
		}
		return out
	}

	id := ev.MessageID
	if id == "" || hasMessage(s, id) {
		// Ids stay unique within the session even if the backend reuses one
		// after done.
		id = uuid.New().String()
	}
	msg := session.Message{
		ID:      id,
		Type:    session.MessageAgent,
		Agent:   ev.AgentName,
		Content: ev.ReplyText,
	}
	msg.Metadata.Streaming = true
	msg.Metadata.Diagnostics.Chunks = 1
	out.SideChanged = applySides(&msg.Metadata, ev.Side)
	msg.Touch()

	r.index = s.Append(msg)
	r.streaming = true
	r.streamID = ev.MessageID

	out.Created = true
	out.Index = r.index
	r.logger.Debug("agent message started",
		"session_id", s.ID, "message_id", id, "agent", ev.AgentName, "shape", ev.Shape)
	return out
}

// merge handles an event while Streaming.
func (r *Reconciler) merge(s *session.Session, ev stream.StreamEvent, out Outcome) Outcome {
	msg := &s.ConversationHistory[r.index]
	out.Index = r.index

	if r.streamID == "" && ev.MessageID != "" {
		r.streamID = ev.MessageID
	}
	if msg.Agent == "" && ev.AgentName != "" {
		msg.Agent = ev.AgentName
	}

	msg.Metadata.Diagnostics.Chunks++
	if ev.HasText() {
		// Continuation frames often omit the agent; classify by the
		// message's agent instead.
		decide := ev
		if decide.AgentName == "" {
			decide.AgentName = msg.Agent
		}
		d := r.policy.Decide(decide)
		if d.Ambiguous {
			msg.Metadata.Diagnostics.Ambiguous++
			r.logger.Warn("merge policy ambiguous",
				"session_id", s.ID,
				"message_id", msg.ID,
				"agent", decide.AgentName,
				"default", d.Op.String())
		}
		switch d.Op {
		case OpReplace:
			msg.Content = ev.ReplyText
			msg.Metadata.Diagnostics.Replaces++
		default:
			msg.Content += ev.ReplyText
			msg.Metadata.Diagnostics.Appends++
		}
		out.Merged = true
		out.Decision = d
	}

	if applySides(&msg.Metadata, ev.Side) {
		out.SideChanged = true
	}
	msg.Touch()
	s.Touch()
	return out
}

func (r *Reconciler) finalize(s *session.Session) {
	if r.index >= 0 && r.index < len(s.ConversationHistory) {
		msg := &s.ConversationHistory[r.index]
		msg.Metadata.Streaming = false
		msg.Touch()
		s.Touch()
	}
	r.Reset()
}

// revalidate drops a pointer that no longer addresses a streaming agent
// message, e.g. after the history was replaced by a restore.
func (r *Reconciler) revalidate(s *session.Session) {
	if !r.streaming {
		return
	}
	if r.index < 0 || r.index >= len(s.ConversationHistory) {
		r.Reset()
		return
	}
	msg := &s.ConversationHistory[r.index]
	if msg.Type != session.MessageAgent || !msg.Metadata.Streaming {
		r.Reset()
	}
}

func applySides(md *session.MessageMetadata, side []session.SidePayload) bool {
	changed := false
	for _, p := range side {
		if md.ApplySide(p) {
			changed = true
		}
	}
	return changed
}

func hasMessage(s *session.Session, id string) bool {
	for i := range s.ConversationHistory {
		if s.ConversationHistory[i].ID == id {
			return true
		}
	}
	return false
}

func lastAgentMessage(s *session.Session) int {
	for i := len(s.ConversationHistory) - 1; i >= 0; i-- {
		if s.ConversationHistory[i].Type == session.MessageAgent {
			return i
		}
	}
	return -1
}
