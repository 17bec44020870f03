// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport opens the response stream for one send.
//
// The transport only POSTs the request and hands back the response body.
// Frame splitting, normalization and retries belong to the engine.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/convostream/pkg/telemetry"
)

// DefaultSendPath is the chat stream endpoint on the backend.
const DefaultSendPath = "/v1/chat/stream"

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4096

// ErrNoBaseURL is returned when the transport has no backend address.
var ErrNoBaseURL = errors.New("transport: base URL not configured")

// =============================================================================
// Request
// =============================================================================

// SendRequest is the outbound body of one send.
//
// Two wire shapes exist. A chat turn serializes as
// {sessionId, message, forceAgent?, testMode?, context?}; an interaction
// form submission (InteractionType set) serializes as
// {sessionId, interactionType, data}.
type SendRequest struct {
	SessionID  string         `json:"sessionId"`
	Message    string         `json:"message"`
	ForceAgent string         `json:"forceAgent,omitempty"`
	TestMode   bool           `json:"testMode,omitempty"`
	Context    map[string]any `json:"context,omitempty"`

	InteractionType string          `json:"-"`
	Data            json.RawMessage `json:"-"`
}

// MarshalJSON picks the wire shape.
func (r SendRequest) MarshalJSON() ([]byte, error) {
	if r.InteractionType != "" {
		data := r.Data
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			SessionID       string          `json:"sessionId"`
			InteractionType string          `json:"interactionType"`
			Data            json.RawMessage `json:"data"`
		}{r.SessionID, r.InteractionType, data})
	}
	type chat SendRequest
	return json.Marshal(chat(r))
}

// =============================================================================
// Errors
// =============================================================================

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Code, e.Body)
}

// Temporary reports whether a retry could plausibly succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// =============================================================================
// HTTP Transport
// =============================================================================

// HTTPClient is the subset of *http.Client the transport needs. Tests
// substitute their own.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport POSTs send requests and returns the SSE body.
//
// # Description
//
// Send does not set a response timeout: streams may run for minutes and
// the caller's context bounds them. Trace context is injected into the
// request headers so backend spans join the caller's trace.
//
// # Thread Safety
//
// Safe for concurrent use once configured.
type HTTPTransport struct {
	// BaseURL is the backend root, e.g. http://localhost:12310.
	BaseURL string

	// SendPath defaults to DefaultSendPath.
	SendPath string

	// Client defaults to an *http.Client without timeout.
	Client HTTPClient

	// Headers are added to every request.
	Headers map[string]string
}

// NewHTTPTransport creates a transport for baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		SendPath: DefaultSendPath,
		Client:   &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 2 * time.Minute}},
	}
}

// Send opens the response stream for req.
//
// # Outputs
//
//   - io.ReadCloser: Response body. The caller must close it.
//   - error: Marshal or network error, or *StatusError for non-2xx.
func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	if t.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := t.SendPath
	if path == "" {
		path = DefaultSendPath
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.Headers {
		httpReq.Header.Set(k, v)
	}
	telemetry.InjectContext(ctx, httpReq.Header)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// checkStatus consumes and closes the body of a non-2xx response.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &StatusError{Code: resp.StatusCode, Body: "failed to read response body"}
	}
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
