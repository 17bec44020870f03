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
	"errors"
	"fmt"

	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/validation"
	"github.com/go-playground/validator/v10"
)

// validate is shared by every request type in this package.
var validate = validator.New()

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SyncRequest is the body of POST /v1/sessions/sync.
type SyncRequest struct {
	SessionID   string           `json:"sessionId" validate:"required,max=128"`
	SessionData *session.Session `json:"sessionData" validate:"required"`
}

// Validate checks tags and that the embedded snapshot matches the id.
func (r *SyncRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if err := validation.ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	if r.SessionData.ID != r.SessionID {
		return fmt.Errorf("sessionData.id %q does not match sessionId %q", r.SessionData.ID, r.SessionID)
	}
	return nil
}

// TitleRequest is the body of POST /v1/sessions/:sessionId/title.
type TitleRequest struct {
	ConversationLength int  `json:"conversationLength" validate:"gte=0"`
	HasExistingTitle   bool `json:"hasExistingTitle"`
}

// Validate checks tags.
func (r *TitleRequest) Validate() error {
	return validate.Struct(r)
}

// TitleResponse is the title endpoint's reply.
type TitleResponse struct {
	Title string `json:"title"`
}

// ChatRequest is the body of POST /v1/chat/stream.
//
// Either Message or InteractionType must be set: a plain chat turn carries
// text, an interaction submission carries a type and its form data.
type ChatRequest struct {
	SessionID       string          `json:"sessionId" validate:"required,max=128"`
	Message         string          `json:"message" validate:"required_without=InteractionType,max=32768"`
	InteractionType string          `json:"interactionType" validate:"omitempty,max=64"`
	Data            json.RawMessage `json:"data,omitempty"`
	ForceAgent      string          `json:"forceAgent,omitempty" validate:"omitempty,max=64"`
	TestMode        bool            `json:"testMode,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
}

// Validate checks tags and that Data is JSON when present.
func (r *ChatRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return errors.New("data is not valid JSON")
	}
	return nil
}
