// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session defines the conversation data model shared by the
// streaming engine, the persistence client and the session backend.
//
// # Invariants
//
//   - ConversationHistory is ordered by insertion and never reordered.
//   - Entries are only appended, except for in-place mutation of the single
//     message whose Metadata.Streaming flag is set.
//   - At most one message per session is streaming at any instant.
//
// # Thread Safety
//
// Session values are not safe for concurrent use. Owners (the engine's
// session registry) serialize access; everybody else works on Snapshot copies.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Progress tracks the agent pipeline stages a session has been through.
type Progress struct {
	CurrentStage       string   `json:"currentStage,omitempty"`
	CompletedStages    []string `json:"completedStages,omitempty"`
	Percentage         float64  `json:"percentage"`
	ForcedAdvances     int      `json:"forcedAdvances,omitempty"`
	FinalTurn          bool     `json:"finalTurn,omitempty"`
	ReadyForGeneration bool     `json:"readyForGeneration,omitempty"`
}

// Metrics are per-session interaction counters.
type Metrics struct {
	UserInteractions  int           `json:"userInteractions"`
	ErrorsEncountered int           `json:"errorsEncountered"`
	AgentTransitions  int           `json:"agentTransitions"`
	TotalTime         time.Duration `json:"totalTime"`
}

// Metadata groups progress, metrics and free-form settings.
type Metadata struct {
	Progress Progress          `json:"progress"`
	Metrics  Metrics           `json:"metrics"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Session is one conversation and everything reconciled into it.
type Session struct {
	ID                  string    `json:"id"`
	Status              Status    `json:"status"`
	Title               string    `json:"title,omitempty"`
	ConversationHistory []Message `json:"conversationHistory"`
	Metadata            Metadata  `json:"metadata"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// New creates an active, empty session with a fresh id.
//
// # Inputs
//
//   - settings: Optional initial settings. Copied.
func New(settings map[string]string) *Session {
	now := time.Now()
	s := &Session{
		ID:                  uuid.New().String(),
		Status:              StatusActive,
		ConversationHistory: make([]Message, 0, 8),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if len(settings) > 0 {
		s.Metadata.Settings = make(map[string]string, len(settings))
		for k, v := range settings {
			s.Metadata.Settings[k] = v
		}
	}
	return s
}

// Append adds m to the end of the history and returns its index.
func (s *Session) Append(m Message) int {
	s.ConversationHistory = append(s.ConversationHistory, m)
	s.touch()
	return len(s.ConversationHistory) - 1
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	return len(s.ConversationHistory)
}

// StreamingCount returns how many messages carry the streaming flag.
// Anything above one is an invariant violation.
func (s *Session) StreamingCount() int {
	n := 0
	for i := range s.ConversationHistory {
		if s.ConversationHistory[i].Metadata.Streaming {
			n++
		}
	}
	return n
}

// Touch records a mutation and refreshes TotalTime.
func (s *Session) Touch() {
	s.touch()
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now()
	if !s.CreatedAt.IsZero() {
		s.Metadata.Metrics.TotalTime = s.UpdatedAt.Sub(s.CreatedAt)
	}
}

// Snapshot returns a deep copy that can leave the owner's lock.
func (s *Session) Snapshot() *Session {
	out := *s
	out.ConversationHistory = make([]Message, len(s.ConversationHistory))
	for i, m := range s.ConversationHistory {
		m.Metadata = m.Metadata.clone()
		out.ConversationHistory[i] = m
	}
	if s.Metadata.Progress.CompletedStages != nil {
		out.Metadata.Progress.CompletedStages = append([]string(nil), s.Metadata.Progress.CompletedStages...)
	}
	if s.Metadata.Settings != nil {
		out.Metadata.Settings = make(map[string]string, len(s.Metadata.Settings))
		for k, v := range s.Metadata.Settings {
			out.Metadata.Settings[k] = v
		}
	}
	return &out
}
