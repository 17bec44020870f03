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
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// doneSentinel terminates a chat stream.
const doneSentinel = "[DONE]"

// SSEWriter writes `data:` frames to a streaming response.
//
// # Description
//
// Every write is flushed immediately so the client's frame splitter sees
// each frame as soon as it is produced. Payloads must not contain newlines;
// one frame is one line.
//
// # Thread Safety
//
// Safe for concurrent use.
type SSEWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w, which must implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("ResponseWriter does not support http.Flusher")
	}
	return &SSEWriter{writer: w, flusher: flusher}, nil
}

// WriteData writes one `data: <payload>` frame.
func (w *SSEWriter) WriteData(payload string) error {
	return w.write("data: %s\n\n", payload)
}

// WriteDone writes the [DONE] sentinel.
func (w *SSEWriter) WriteDone() error {
	return w.WriteData(doneSentinel)
}

// WriteKeepAlive writes an SSE comment line. Clients ignore it.
func (w *SSEWriter) WriteKeepAlive() error {
	return w.write(": ping\n\n")
}

func (w *SSEWriter) write(format string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, format, args...); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the standard event-stream headers. Call before the
// first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
