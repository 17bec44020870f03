// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist talks to the session store backend.
//
// # Description
//
// Client implements the engine's Synchronizer, Loader and TitleGenerator
// collaborators over HTTP:
//
//	POST   /v1/sessions/sync            {sessionId, sessionData}
//	GET    /v1/sessions/:sessionId      -> Session
//	GET    /v1/sessions                 -> []SessionSummary
//	DELETE /v1/sessions/:sessionId
//	POST   /v1/sessions/:sessionId/title {conversationLength, hasExistingTitle} -> {title}
//
// Sync is a single POST: it is never retried here, and the engine logs and
// swallows its errors.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/convostream/pkg/engine"
	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/telemetry"
	"github.com/AleutianAI/convostream/pkg/transport"
	"golang.org/x/sync/singleflight"
)

// Compile-time interface checks.
var (
	_ engine.Synchronizer   = (*Client)(nil)
	_ engine.Loader         = (*Client)(nil)
	_ engine.TitleGenerator = (*Client)(nil)
)

// ErrNotFound is returned when the backend has no session with the id.
var ErrNotFound = errors.New("session not stored")

// DefaultTimeout bounds every request that has no earlier deadline.
const DefaultTimeout = 10 * time.Second

// maxResponseBody caps decoded response bodies.
const maxResponseBody = 32 << 20

// SyncRequest is the sync wire body.
type SyncRequest struct {
	SessionID   string           `json:"sessionId"`
	SessionData *session.Session `json:"sessionData"`
}

// TitleRequest is the title wire body.
type TitleRequest struct {
	ConversationLength int  `json:"conversationLength"`
	HasExistingTitle   bool `json:"hasExistingTitle"`
}

// TitleResponse is the title wire response.
type TitleResponse struct {
	Title string `json:"title"`
}

// SessionSummary is one entry of the backend's session listing.
type SessionSummary struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Status    session.Status `json:"status"`
	Messages  int            `json:"messages"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// =============================================================================
// Client
// =============================================================================

// Client is the session store client.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL string
	http    transport.HTTPClient
	timeout time.Duration
	logger  *slog.Logger

	titles singleflight.Group
	titled sync.Map // session id -> title already obtained
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(c transport.HTTPClient) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithLogger sets the logger. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logging.OrDiscard(l) }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sync posts the snapshot once.
func (c *Client) Sync(ctx context.Context, snapshot *session.Session) error {
	if snapshot == nil {
		return errors.New("nil session snapshot")
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/sync",
		SyncRequest{SessionID: snapshot.ID, SessionData: snapshot}, nil)
	if err != nil {
		return fmt.Errorf("sync session %s: %w", snapshot.ID, err)
	}
	return nil
}

// Load fetches a stored session.
func (c *Client) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &s); err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &s, nil
}

// List returns the stored sessions, newest first.
func (c *Client) List(ctx context.Context) ([]SessionSummary, error) {
	var out []SessionSummary
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a stored session.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// RequestTitle asks the backend for a title.
//
// # Description
//
// Concurrent requests for one session share a single backend call, and a
// session that already received a title is answered from memory. The
// engine may fire the title trigger several times before the first answer
// arrives; this keeps that to one request.
func (c *Client) RequestTitle(ctx context.Context, sessionID string, conversationLength int, hasExistingTitle bool) (string, error) {
	if hasExistingTitle {
		return "", nil
	}
	if v, ok := c.titled.Load(sessionID); ok {
		return v.(string), nil
	}

	v, err, shared := c.titles.Do(sessionID, func() (any, error) {
		var resp TitleResponse
		err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/title",
			TitleRequest{ConversationLength: conversationLength, HasExistingTitle: hasExistingTitle}, &resp)
		if err != nil {
			return "", err
		}
		title := strings.TrimSpace(resp.Title)
		if title != "" {
			c.titled.Store(sessionID, title)
		}
		return title, nil
	})
	if err != nil {
		return "", fmt.Errorf("request title for %s: %w", sessionID, err)
	}
	if shared {
		c.logger.Debug("title request shared", "session_id", sessionID)
	}
	return v.(string), nil
}

// do sends one JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.baseURL == "" {
		return transport.ErrNoBaseURL
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	telemetry.InjectContext(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	c.logger.Debug("store request",
		"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &transport.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
