// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/convostream/pkg/session"
)

// userLabel is shown in front of the user's own messages.
const userLabel = "you"

// SessionRow is one line of a session listing.
type SessionRow struct {
	ID        string
	Title     string
	Status    string
	Messages  int
	UpdatedAt time.Time
}

// Renderer prints a conversation as it grows.
//
// # Description
//
// RenderNew prints the messages appended since the previous call and stops
// at the first message that is still streaming, so a reply is printed once,
// complete. Switching to a different session starts over from its first
// message.
//
// # Thread Safety
//
// Safe for concurrent use.
type Renderer struct {
	mu        sync.Mutex
	w         io.Writer
	level     PersonalityLevel
	sessionID string
	next      int
}

// NewRenderer creates a renderer writing to w.
func NewRenderer(w io.Writer, level PersonalityLevel) *Renderer {
	return &Renderer{w: w, level: level}
}

// Level returns the output level.
func (r *Renderer) Level() PersonalityLevel {
	return r.level
}

// RenderNew prints unseen, finished messages of s and returns how many it
// printed.
func (r *Renderer) RenderNew(s *session.Session) int {
	if s == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID != r.sessionID {
		r.sessionID = s.ID
		r.next = 0
	}
	printed := 0
	for r.next < len(s.ConversationHistory) {
		m := s.ConversationHistory[r.next]
		if m.Metadata.Streaming {
			break
		}
		r.writeMessage(m)
		r.next++
		printed++
	}
	return printed
}

// Skip marks everything currently in s as already shown.
func (r *Renderer) Skip(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = s.ID
	r.next = len(s.ConversationHistory)
}

func (r *Renderer) writeMessage(m session.Message) {
	label := m.Agent
	switch m.Type {
	case session.MessageUser:
		label = userLabel
	case session.MessageSystem:
		label = session.SystemAgent
	}
	if label == "" {
		label = "agent"
	}

	switch r.level {
	case PersonalityMachine:
		flags := ""
		if m.Metadata.Diagnostics.Interrupted {
			flags = "interrupted"
		}
		fmt.Fprintf(r.w, "%s\t%s\t%s\t%s\n", m.Type, label, flags, escapeNewlines(m.Content))
		return
	case PersonalityMinimal:
		line := fmt.Sprintf("%s > %s", label, m.Content)
		if m.Metadata.Diagnostics.Interrupted {
			line += " (interrupted)"
		}
		fmt.Fprintln(r.w, line)
		return
	}

	var head string
	switch m.Type {
	case session.MessageUser:
		head = Styles.User.Render(label)
	case session.MessageSystem:
		fmt.Fprintf(r.w, "%s %s\n", IconWarning.Render(), Styles.System.Render(m.Content))
		return
	default:
		head = Styles.Agent.Render(label)
	}
	line := fmt.Sprintf("%s %s %s", head, Styles.Muted.Render(string(IconArrow)), m.Content)
	if m.Metadata.Diagnostics.Interrupted {
		line += " " + Styles.Muted.Render("(interrupted)")
	}
	fmt.Fprintln(r.w, line)
}

// =============================================================================
// Status Lines
// =============================================================================

// Success prints a success line.
func (r *Renderer) Success(text string) { r.status(IconSuccess, "OK", text) }

// Warning prints a warning line.
func (r *Renderer) Warning(text string) { r.status(IconWarning, "WARN", text) }

// Error prints an error line.
func (r *Renderer) Error(text string) { r.status(IconError, "ERROR", text) }

func (r *Renderer) status(icon Icon, word, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.level {
	case PersonalityMachine:
		fmt.Fprintf(r.w, "%s: %s\n", word, text)
	case PersonalityMinimal:
		fmt.Fprintf(r.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(r.w, "%s %s\n", icon.Render(), text)
	}
}

// Banner prints a boxed title. Machine output skips it.
func (r *Renderer) Banner(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.level {
	case PersonalityMachine:
		return
	case PersonalityMinimal:
		fmt.Fprintf(r.w, "%s\n%s\n", title, body)
	default:
		fmt.Fprintln(r.w, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+body))
	}
}

// Sessions prints a session listing.
func (r *Renderer) Sessions(rows []SessionRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(rows) == 0 && r.level != PersonalityMachine {
		fmt.Fprintln(r.w, "no sessions")
		return
	}
	for _, row := range rows {
		title := row.Title
		if title == "" {
			title = "(untitled)"
		}
		when := row.UpdatedAt.Local().Format(time.DateTime)
		switch r.level {
		case PersonalityMachine:
			fmt.Fprintf(r.w, "%s\t%s\t%d\t%s\t%s\n",
				row.ID, row.Status, row.Messages, row.UpdatedAt.UTC().Format(time.RFC3339), row.Title)
		case PersonalityMinimal:
			fmt.Fprintf(r.w, "%s  %-9s %3d  %s  %s\n", row.ID, row.Status, row.Messages, when, title)
		default:
			fmt.Fprintf(r.w, "%s  %-9s %3d  %s  %s\n",
				Styles.Muted.Render(row.ID), row.Status, row.Messages,
				Styles.Muted.Render(when), Styles.Bold.Render(title))
		}
	}
}

func escapeNewlines(s string) string {
	return strings.NewReplacer("\\", "\\\\", "\n", "\\n", "\t", "\\t").Replace(s)
}
