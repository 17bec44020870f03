// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// DedupGuard tracks in-flight sends for one session.
//
// A second send with the same key while the first is in flight is
// rejected. This catches double submits of one logical action; it does
// not dedup messages that merely look alike.
type DedupGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDedupGuard creates an empty guard.
func NewDedupGuard() *DedupGuard {
	return &DedupGuard{inflight: make(map[string]struct{})}
}

// DedupKey derives the in-flight key from the send tuple. Options are
// serialized with encoding/json, so map keys are ordered and two option
// values that marshal identically collide on purpose.
func DedupKey(sessionID, content string, opts any) (string, error) {
	encoded, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("serialize send options: %w", err)
	}
	h := sha256.New()
	for _, part := range [][]byte{[]byte(sessionID), []byte(content), encoded} {
		// Length-prefix each part so ("ab","c") and ("a","bc") differ.
		fmt.Fprintf(h, "%d:", len(part))
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Acquire registers key. It returns false when key is already in flight.
func (g *DedupGuard) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

// Release removes key. Releasing an unknown key is a no-op.
func (g *DedupGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
}

// InFlight returns the number of keys currently held.
func (g *DedupGuard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
