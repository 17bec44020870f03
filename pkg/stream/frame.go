// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream turns a raw SSE-style response body into normalized events.
//
// The package is split the same way the wire is layered:
//
//	io.Reader chunks → FrameSplitter → Frame → Normalizer → StreamEvent
//
// Single Responsibility:
//
//	The splitter only finds frame boundaries. The normalizer only maps one
//	payload to one event. Neither performs I/O against the backend or touches
//	session state.
package stream

import (
	"bytes"
	"context"
	"io"
	"strings"
)

// DoneSentinel is the payload of the terminal frame.
const DoneSentinel = "[DONE]"

// dataPrefix marks the lines that carry a payload.
const dataPrefix = "data:"

// defaultChunkSize is the read buffer size used by FrameReader.
const defaultChunkSize = 4096

// Frame is one complete `data: <payload>` line.
type Frame struct {
	// Index is the zero-based position of the frame within its stream.
	Index int

	// Payload is the text after the data prefix, trimmed.
	Payload string
}

// =============================================================================
// Frame Splitter
// =============================================================================

// FrameSplitter reassembles frames from transport chunks that may cut lines
// at any byte offset.
//
// # Description
//
// Push appends a chunk to a carry-over buffer and returns every frame whose
// line is now complete; the trailing partial line stays buffered. Once the
// [DONE] sentinel is seen the splitter is finished and ignores further input.
//
// Lines that are empty, comments, `event:`/`id:` fields or anything else
// without the data prefix are skipped. Invalid UTF-8 is dropped byte-wise
// instead of failing the stream.
//
// # Thread Safety
//
// Not safe for concurrent use. One splitter serves one stream.
type FrameSplitter struct {
	carry []byte
	next  int
	done  bool
}

// NewFrameSplitter creates an empty splitter.
func NewFrameSplitter() *FrameSplitter {
	return &FrameSplitter{}
}

// Push feeds one transport chunk and returns the frames it completed.
func (s *FrameSplitter) Push(chunk []byte) []Frame {
	if s.done || len(chunk) == 0 {
		return nil
	}
	s.carry = append(s.carry, chunk...)

	var frames []Frame
	for !s.done {
		i := bytes.IndexByte(s.carry, '\n')
		if i < 0 {
			break
		}
		line := s.carry[:i]
		s.carry = s.carry[i+1:]
		if f, ok := s.parseLine(line); ok {
			frames = append(frames, f)
		}
	}

	if s.done || len(s.carry) == 0 {
		s.carry = nil
	} else {
		// Detach the remainder so the consumed prefix can be collected.
		s.carry = append([]byte(nil), s.carry...)
	}
	return frames
}

// Flush treats any buffered partial line as complete. Call it at EOF.
func (s *FrameSplitter) Flush() []Frame {
	if s.done || len(s.carry) == 0 {
		s.carry = nil
		return nil
	}
	line := s.carry
	s.carry = nil
	if f, ok := s.parseLine(line); ok {
		return []Frame{f}
	}
	return nil
}

// Done reports whether the [DONE] sentinel has been seen.
func (s *FrameSplitter) Done() bool {
	return s.done
}

// Buffered returns the number of bytes held for an incomplete line.
func (s *FrameSplitter) Buffered() int {
	return len(s.carry)
}

func (s *FrameSplitter) parseLine(raw []byte) (Frame, bool) {
	line := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return Frame{}, false
	}
	if payload == DoneSentinel {
		s.done = true
		return Frame{}, false
	}

	f := Frame{Index: s.next, Payload: payload}
	s.next++
	return f, true
}

// =============================================================================
// Frame Reader
// =============================================================================

// FrameCallback receives frames in arrival order. Returning an error stops
// the read and the error is propagated.
type FrameCallback func(Frame) error

// FrameReader drives a FrameSplitter from an io.Reader.
//
// Example:
//
//	completed, err := stream.NewFrameReader().Read(ctx, resp.Body, func(f stream.Frame) error {
//	    fmt.Println(f.Payload)
//	    return nil
//	})
type FrameReader struct {
	// ChunkSize is the read buffer size. Zero means 4096 bytes.
	ChunkSize int
}

// NewFrameReader creates a reader with the default chunk size.
func NewFrameReader() *FrameReader {
	return &FrameReader{ChunkSize: defaultChunkSize}
}

// Read consumes src until [DONE], EOF, a read error, a callback error or
// context cancellation.
//
// # Outputs
//
//   - bool: true when the stream ended with the [DONE] sentinel.
//   - error: Read, callback or context error. EOF is not an error.
func (r *FrameReader) Read(ctx context.Context, src io.Reader, callback FrameCallback) (bool, error) {
	size := r.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)
	splitter := NewFrameSplitter()

	emit := func(frames []Frame) error {
		for _, f := range frames {
			if err := callback(f); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if err := emit(splitter.Push(buf[:n])); err != nil {
				return false, err
			}
			if splitter.Done() {
				return true, nil
			}
		}

		if readErr == io.EOF {
			if err := emit(splitter.Flush()); err != nil {
				return false, err
			}
			return splitter.Done(), nil
		}
		if readErr != nil {
			return false, readErr
		}
	}
}
