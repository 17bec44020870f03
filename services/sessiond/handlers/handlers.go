// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the session backend.
//
// # Endpoints
//
//	POST   /v1/sessions/sync             store a snapshot (last writer wins)
//	GET    /v1/sessions                  list stored sessions
//	GET    /v1/sessions/:sessionId       load one session
//	DELETE /v1/sessions/:sessionId       delete one session
//	POST   /v1/sessions/:sessionId/title derive a title
//	POST   /v1/chat/stream               scripted agent reply as SSE
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/validation"
	"github.com/AleutianAI/convostream/services/sessiond/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionStore is the persistence the handlers need.
type SessionStore interface {
	Put(snapshot *session.Session) (bool, error)
	Get(id string) (*session.Session, error)
	List() ([]store.Summary, error)
	Delete(id string) error
}

var _ SessionStore = (*store.Store)(nil)

// requestIDHeader carries a caller-supplied request id.
const requestIDHeader = "X-Request-ID"

// maxTitleWords and maxTitleRunes bound derived titles.
const (
	maxTitleWords = 6
	maxTitleRunes = 60
)

// Handlers serves the session API.
//
// # Thread Safety
//
// Safe for concurrent use if the store is.
type Handlers struct {
	store  SessionStore
	agent  *ScriptedAgent
	logger *slog.Logger
}

// New creates the handlers. A nil agent uses NewScriptedAgent; a nil
// logger discards.
func New(st SessionStore, agent *ScriptedAgent, logger *slog.Logger) *Handlers {
	if agent == nil {
		agent = NewScriptedAgent()
	}
	return &Handlers{store: st, agent: agent, logger: logging.OrDiscard(logger)}
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader(requestIDHeader); id != "" {
		return id
	}
	id := uuid.New().String()
	c.Header(requestIDHeader, id)
	return id
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("invalid request body", "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

// sessionParam reads and checks the :sessionId path segment.
func sessionParam(c *gin.Context, logger *slog.Logger) (string, bool) {
	id := c.Param("sessionId")
	if err := validation.ValidateSessionID(id); err != nil {
		logger.Warn("invalid session id", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_SESSION_ID"})
		return "", false
	}
	return id, true
}

func storeFailure(c *gin.Context, logger *slog.Logger, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "NOT_FOUND"})
		return
	}
	logger.Error("store operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "store operation failed", Code: "STORE_FAILED"})
}

// =============================================================================
// Sessions
// =============================================================================

// HandleSync stores a snapshot.
//
// Response:
//
//	204 No Content: Stored, or ignored because a newer snapshot exists
//	400 Bad Request: Validation error
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleSync(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleSync")

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, logger, err)
		return
	}

	written, err := h.store.Put(req.SessionData)
	if err != nil {
		storeFailure(c, logger, err)
		return
	}
	logger.Debug("session synced", "session_id", req.SessionID, "written", written)
	c.Status(http.StatusNoContent)
}

// HandleList lists stored sessions, newest first.
func (h *Handlers) HandleList(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleList")
	list, err := h.store.List()
	if err != nil {
		storeFailure(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// HandleGet returns one stored session.
func (h *Handlers) HandleGet(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleGet")
	id, ok := sessionParam(c, logger)
	if !ok {
		return
	}
	s, err := h.store.Get(id)
	if err != nil {
		storeFailure(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// HandleDelete removes one stored session.
func (h *Handlers) HandleDelete(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleDelete")
	id, ok := sessionParam(c, logger)
	if !ok {
		return
	}
	if err := h.store.Delete(id); err != nil {
		storeFailure(c, logger, err)
		return
	}
	logger.Info("session deleted", "session_id", id)
	c.Status(http.StatusNoContent)
}

// HandleTitle derives a title from the stored conversation.
//
// A session that already has a title gets it back unchanged. Otherwise the
// title is the first few words of the first user message; an empty title
// means there is nothing to derive from yet.
func (h *Handlers) HandleTitle(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleTitle")
	id, ok := sessionParam(c, logger)
	if !ok {
		return
	}

	var req TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, logger, err)
		return
	}

	s, err := h.store.Get(id)
	if err != nil {
		storeFailure(c, logger, err)
		return
	}
	if s.Title != "" {
		c.JSON(http.StatusOK, TitleResponse{Title: s.Title})
		return
	}
	title := DeriveTitle(s)
	logger.Debug("title derived", "session_id", id, "title", title,
		"conversation_length", req.ConversationLength)
	c.JSON(http.StatusOK, TitleResponse{Title: title})
}

// DeriveTitle builds a short title from the first user message.
func DeriveTitle(s *session.Session) string {
	for _, m := range s.ConversationHistory {
		if m.Type != session.MessageUser || strings.TrimSpace(m.Content) == "" {
			continue
		}
		words := strings.Fields(m.Content)
		if len(words) > maxTitleWords {
			words = words[:maxTitleWords]
		}
		title := strings.TrimRight(strings.Join(words, " "), ".,;:!?")
		if utf8.RuneCountInString(title) > maxTitleRunes {
			title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
		}
		r, size := utf8.DecodeRuneInString(title)
		return string(unicode.ToUpper(r)) + title[size:]
	}
	return ""
}

// =============================================================================
// Chat Stream
// =============================================================================

// HandleChatStream answers a chat turn with the scripted agent over SSE.
//
// Response:
//
//	200 OK: text/event-stream of canonical frames, then data: [DONE]
//	400 Bad Request: Validation error
func (h *Handlers) HandleChatStream(c *gin.Context) {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", "HandleChatStream")

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, logger, err)
		return
	}
	frames, err := h.agent.Frames(req)
	if err != nil {
		logger.Error("agent failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "agent failed", Code: "AGENT_FAILED"})
		return
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		logger.Error("streaming unsupported", "error", err)
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	if err := w.WriteKeepAlive(); err != nil {
		logger.Warn("client went away", "error", err)
		return
	}
	for i, f := range frames {
		if i > 0 && h.agent.Delay > 0 {
			select {
			case <-ctx.Done():
				logger.Info("stream cancelled by client", "session_id", req.SessionID, "sent", i)
				return
			case <-time.After(h.agent.Delay):
			}
		}
		if err := w.WriteData(f); err != nil {
			logger.Warn("client went away", "error", err)
			return
		}
	}
	if err := w.WriteDone(); err != nil {
		logger.Warn("client went away", "error", err)
		return
	}
	logger.Info("stream completed",
		"session_id", req.SessionID, "frames", len(frames), "duration", time.Since(start))
}
