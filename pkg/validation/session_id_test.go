// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"uuid", uuid.NewString(), false},
		{"single char", "s", false},
		{"dotted", "chat.2025.01", false},
		{"underscore and hyphen", "user_42-draft", false},
		{"max length", strings.Repeat("a", MaxSessionIDLength), false},

		// Invalid ids
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxSessionIDLength+1), true},
		{"key separator", "session:other", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"starts with dot", ".hidden", true},
		{"starts with hyphen", "-x", true},
		{"space", "a b", true},
		{"newline", "a\nb", true},
		{"unicode", "sessión", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSessionIDs(t *testing.T) {
	assert.NoError(t, ValidateSessionIDs(nil))
	assert.NoError(t, ValidateSessionIDs([]string{"a", "b-1"}))

	err := ValidateSessionIDs([]string{"ok", "bad id", "a/b"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "bad id")
		assert.Contains(t, err.Error(), "a/b")
		assert.NotContains(t, err.Error(), "ok,")
	}
}
