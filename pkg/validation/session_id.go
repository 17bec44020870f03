// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that end up in storage keys and URL
// paths.
//
// Session ids arrive from clients in request bodies and path segments and
// become part of a Badger key ("session:<id>"). Restricting them to a small
// alphabet keeps one session from addressing another's key range through the
// prefix iterator.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxSessionIDLength is the longest accepted session id.
const MaxSessionIDLength = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// ValidateSessionID reports whether id is safe to store and route.
//
// # Inputs
//
//   - id: Client supplied session id. UUIDs always pass.
//
// # Outputs
//
//   - error: Non-nil when id is empty, too long or contains characters
//     outside letters, digits, '.', '_' and '-'.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("session id is %d bytes, limit is %d", len(id), MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id %q: must start with a letter or digit and use only letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// ValidateSessionIDs validates several ids and names every invalid one.
func ValidateSessionIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateSessionID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid session ids: %s", strings.Join(invalid, ", "))
	}
	return nil
}
