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
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output.
type PersonalityLevel string

const (
	// PersonalityStandard enables colors, icons and boxes.
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal uses icons and plain text.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs tab-separated lines suitable for scripting.
	PersonalityMachine PersonalityLevel = "machine"
)

// ParsePersonalityLevel converts a string to a PersonalityLevel. Unknown
// values map to standard.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// DetectPersonality picks a level for f.
//
// # Description
//
// An explicit CONVO_PERSONALITY wins. Otherwise a terminal gets standard
// output and anything else (pipes, files) gets machine output.
func DetectPersonality(f *os.File) PersonalityLevel {
	if env := os.Getenv("CONVO_PERSONALITY"); env != "" {
		return ParsePersonalityLevel(env)
	}
	if f != nil && IsTerminal(f.Fd()) {
		return PersonalityStandard
	}
	return PersonalityMachine
}

// IsTerminal reports whether fd is an interactive terminal.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
