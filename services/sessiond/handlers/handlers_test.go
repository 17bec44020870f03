// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Scripted Agent
// =============================================================================

func normalizeAll(t *testing.T, frames []string) []stream.StreamEvent {
	t.Helper()
	n := stream.NewNormalizer()
	var out []stream.StreamEvent
	for _, f := range frames {
		ev, verdict := n.Normalize(f)
		if verdict != stream.VerdictUsable {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func TestScriptedAgent_CumulativeWelcome(t *testing.T) {
	a := &ScriptedAgent{ChunkWords: 2}
	frames, err := a.Frames(ChatRequest{SessionID: "s", Message: "hi"})
	require.NoError(t, err)

	events := normalizeAll(t, frames)
	require.GreaterOrEqual(t, len(events), 3)

	first := events[0]
	assert.Equal(t, WelcomeAgent, first.AgentName)
	assert.Equal(t, stream.StreamStart, first.StreamType)
	assert.Equal(t, stream.ContentComplete, first.ContentMode)
	assert.Equal(t, "You said:", first.ReplyText)

	last := events[len(events)-2]
	assert.Equal(t, "You said: hi. How can I help you with that?", last.ReplyText)
	assert.Equal(t, stream.StreamComplete, last.StreamType)

	done := events[len(events)-1]
	assert.True(t, done.IsDone)
	assert.Equal(t, first.MessageID, done.MessageID)
}

func TestScriptedAgent_IncrementalCoding(t *testing.T) {
	a := &ScriptedAgent{ChunkWords: 4}
	frames, err := a.Frames(ChatRequest{SessionID: "s", Message: "Write code for me"})
	require.NoError(t, err)

	var b strings.Builder
	for _, ev := range normalizeAll(t, frames) {
		if ev.IsDone {
			continue
		}
		assert.Equal(t, CodingAgent, ev.AgentName)
		assert.Equal(t, stream.ContentIncremental, ev.ContentMode)
		b.WriteString(ev.ReplyText)
	}
	assert.Equal(t, replyFor(ChatRequest{}, CodingAgent), b.String())
}

func TestScriptedAgent_TestModeThinks(t *testing.T) {
	frames, err := NewScriptedAgent().Frames(ChatRequest{SessionID: "s", Message: "x", TestMode: true})
	require.NoError(t, err)
	_, verdict := stream.NewNormalizer().Normalize(frames[0])
	assert.Equal(t, stream.VerdictThinking, verdict)
}

func TestScriptedAgent_ForceAgentAndInteraction(t *testing.T) {
	frames, err := NewScriptedAgent().Frames(ChatRequest{
		SessionID:       "s",
		InteractionType: "style_picker",
		ForceAgent:      "DesignAgent",
	})
	require.NoError(t, err)
	events := normalizeAll(t, frames)
	assert.Equal(t, "DesignAgent", events[0].AgentName)
	assert.Contains(t, events[len(events)-2].ReplyText, "style_picker")
}

// =============================================================================
// Titles
// =============================================================================

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		msgs []session.Message
		want string
	}{
		{"empty", nil, ""},
		{"skips system and blank", []session.Message{
			session.NewSystemMessage("boot"),
			session.NewUserMessage("   "),
			session.NewUserMessage("landing page for my bakery"),
		}, "Landing page for my bakery"},
		{"caps words", []session.Message{
			session.NewUserMessage("one two three four five six seven eight"),
		}, "One two three four five six"},
		{"trims punctuation", []session.Message{
			session.NewUserMessage("hello?"),
		}, "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session.New(nil)
			for _, m := range tt.msgs {
				s.Append(m)
			}
			assert.Equal(t, tt.want, DeriveTitle(s))
		})
	}
}

func TestDeriveTitle_CapsRunes(t *testing.T) {
	s := session.New(nil)
	s.Append(session.NewUserMessage(strings.Repeat("a", 100)))
	got := DeriveTitle(s)
	assert.Equal(t, 60, len([]rune(got)))
	assert.True(t, strings.HasPrefix(got, "A"))
}

// =============================================================================
// Validation
// =============================================================================

func TestChatRequest_Validate(t *testing.T) {
	assert.NoError(t, (&ChatRequest{SessionID: "s", Message: "hi"}).Validate())
	assert.NoError(t, (&ChatRequest{SessionID: "s", InteractionType: "form"}).Validate())
	assert.Error(t, (&ChatRequest{SessionID: "s"}).Validate())
	assert.Error(t, (&ChatRequest{Message: "hi"}).Validate())
	assert.Error(t, (&ChatRequest{SessionID: "s", InteractionType: "form", Data: []byte("{")}).Validate())
	assert.Error(t, (&ChatRequest{SessionID: "s", Message: strings.Repeat("x", 32769)}).Validate())
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteData(`{"a":1}`))
	require.NoError(t, w.WriteDone())

	assert.Equal(t, ": ping\n\ndata: {\"a\":1}\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
}
