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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agent names the scripted agent can answer as.
const (
	WelcomeAgent = "WelcomeAgent"
	CodingAgent  = "CodingAgent"
)

// =============================================================================
// Wire Shapes
// =============================================================================

// frame is the canonical chunk layout the client's first extractor reads.
type frame struct {
	ImmediateDisplay *display     `json:"immediate_display,omitempty"`
	SystemState      *systemState `json:"system_state,omitempty"`
}

type display struct {
	Reply string `json:"reply"`
	Agent string `json:"agent"`
}

type systemState struct {
	Done     bool           `json:"done,omitempty"`
	Intent   string         `json:"intent,omitempty"`
	Metadata *frameMetadata `json:"metadata,omitempty"`
}

type frameMetadata struct {
	MessageID   string `json:"message_id,omitempty"`
	StreamType  string `json:"stream_type,omitempty"`
	ContentMode string `json:"content_mode,omitempty"`
}

// =============================================================================
// Scripted Agent
// =============================================================================

// ScriptedAgent answers chat turns with deterministic canonical frames.
//
// # Description
//
// It stands in for a real multi-agent backend so the CLI and the engine can
// be exercised end to end. Turns that mention code are answered by
// CodingAgent with incremental chunks, everything else by WelcomeAgent with
// cumulative chunks. That covers both merge disciplines the client has to
// reconcile.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type ScriptedAgent struct {
	// ChunkWords is how many words each delta frame carries.
	ChunkWords int

	// Delay is the pause between frames.
	Delay time.Duration
}

// NewScriptedAgent returns an agent with three-word chunks and a short
// pause between frames.
func NewScriptedAgent() *ScriptedAgent {
	return &ScriptedAgent{ChunkWords: 3, Delay: 40 * time.Millisecond}
}

// Frames returns the JSON payloads for one turn, not including [DONE].
func (a *ScriptedAgent) Frames(req ChatRequest) ([]string, error) {
	agent := pickAgent(req)
	words := strings.Fields(replyFor(req, agent))
	size := a.ChunkWords
	if size <= 0 {
		size = 3
	}

	incremental := agent == CodingAgent
	mode := "complete"
	if incremental {
		mode = "incremental"
	}
	messageID := uuid.New().String()

	var frames []frame
	if req.TestMode {
		frames = append(frames, frame{SystemState: &systemState{Intent: "thinking"}})
	}
	for start := 0; start < len(words); start += size {
		end := min(start+size, len(words))
		var text string
		if incremental {
			text = strings.Join(words[start:end], " ")
			if end < len(words) {
				text += " "
			}
		} else {
			text = strings.Join(words[:end], " ")
		}
		streamType := "delta"
		switch {
		case start == 0:
			streamType = "start"
		case end == len(words):
			streamType = "complete"
		}
		frames = append(frames, frame{
			ImmediateDisplay: &display{Reply: text, Agent: agent},
			SystemState: &systemState{Metadata: &frameMetadata{
				MessageID:   messageID,
				StreamType:  streamType,
				ContentMode: mode,
			}},
		})
	}
	frames = append(frames, frame{SystemState: &systemState{
		Done:     true,
		Metadata: &frameMetadata{MessageID: messageID},
	}})

	out := make([]string, 0, len(frames))
	for _, f := range frames {
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		out = append(out, string(raw))
	}
	return out, nil
}

func pickAgent(req ChatRequest) string {
	if req.ForceAgent != "" {
		return req.ForceAgent
	}
	lower := strings.ToLower(req.Message)
	if strings.Contains(lower, "code") || strings.Contains(lower, "build") {
		return CodingAgent
	}
	return WelcomeAgent
}

func replyFor(req ChatRequest, agent string) string {
	if req.InteractionType != "" {
		return fmt.Sprintf("Thanks, I recorded your %s answer. What should we look at next?", req.InteractionType)
	}
	if agent == CodingAgent {
		return "Here is a starting point: a main package whose main function prints hello. Tell me what to change."
	}
	return fmt.Sprintf("You said: %s. How can I help you with that?", strings.TrimSpace(req.Message))
}
