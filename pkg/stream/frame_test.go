// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

// =============================================================================
// Helpers
// =============================================================================

// chunkedReader returns its data in fixed-size pieces, simulating a
// transport that ignores frame boundaries.
type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// failingReader returns data, then an error.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func payloads(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Payload)
	}
	return out
}

// =============================================================================
// FrameSplitter Tests
// =============================================================================

func TestFrameSplitter_WholeChunk(t *testing.T) {
	s := NewFrameSplitter()
	frames := s.Push([]byte("data: {\"a\":1}\n\ndata: {\"b\":2}\n\n"))

	got := payloads(frames)
	want := []string{`{"a":1}`, `{"b":2}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("payloads = %v, want %v", got, want)
	}
	if frames[0].Index != 0 || frames[1].Index != 1 {
		t.Errorf("unexpected indices: %d, %d", frames[0].Index, frames[1].Index)
	}
}

func TestFrameSplitter_PartialLineIsBuffered(t *testing.T) {
	s := NewFrameSplitter()

	if frames := s.Push([]byte(`data: {"reply":"Hel`)); len(frames) != 0 {
		t.Fatalf("expected no frames from a partial line, got %v", payloads(frames))
	}
	if s.Buffered() == 0 {
		t.Fatal("expected the partial line to be buffered")
	}

	frames := s.Push([]byte("lo\"}\n"))
	if got := payloads(frames); len(got) != 1 || got[0] != `{"reply":"Hello"}` {
		t.Fatalf("unexpected frames: %v", got)
	}
	if s.Buffered() != 0 {
		t.Errorf("buffer should be empty, has %d bytes", s.Buffered())
	}
}

func TestFrameSplitter_DoneStopsOutput(t *testing.T) {
	s := NewFrameSplitter()
	frames := s.Push([]byte("data: one\ndata: [DONE]\ndata: two\n"))

	if got := payloads(frames); len(got) != 1 || got[0] != "one" {
		t.Fatalf("unexpected frames: %v", got)
	}
	if !s.Done() {
		t.Fatal("expected Done() after sentinel")
	}
	if more := s.Push([]byte("data: three\n")); len(more) != 0 {
		t.Errorf("expected no frames after done, got %v", payloads(more))
	}
}

func TestFrameSplitter_SkipsNonDataLines(t *testing.T) {
	s := NewFrameSplitter()
	input := ": keepalive\nevent: message\nid: 7\n\n   \ndata:\ndata:    \nretry: 100\ndata:compact\n"

	got := payloads(s.Push([]byte(input)))
	if len(got) != 1 || got[0] != "compact" {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestFrameSplitter_CRLF(t *testing.T) {
	s := NewFrameSplitter()
	got := payloads(s.Push([]byte("data: a\r\n\r\ndata: b\r\n")))
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestFrameSplitter_InvalidUTF8IsDropped(t *testing.T) {
	s := NewFrameSplitter()
	got := payloads(s.Push([]byte("data: ok\xff\xfe!\n")))
	if len(got) != 1 || got[0] != "ok!" {
		t.Fatalf("unexpected frames: %q", got)
	}
}

func TestFrameSplitter_MultibyteSplitAcrossChunks(t *testing.T) {
	line := []byte("data: héllo wörld\n")
	for cut := 1; cut < len(line); cut++ {
		s := NewFrameSplitter()
		var got []string
		got = append(got, payloads(s.Push(line[:cut]))...)
		got = append(got, payloads(s.Push(line[cut:]))...)
		if len(got) != 1 || got[0] != "héllo wörld" {
			t.Fatalf("cut %d: unexpected frames %q", cut, got)
		}
	}
}

func TestFrameSplitter_Flush(t *testing.T) {
	t.Run("trailing frame without newline", func(t *testing.T) {
		s := NewFrameSplitter()
		s.Push([]byte("data: tail"))
		if got := payloads(s.Flush()); len(got) != 1 || got[0] != "tail" {
			t.Fatalf("unexpected frames: %v", got)
		}
	})

	t.Run("trailing sentinel without newline", func(t *testing.T) {
		s := NewFrameSplitter()
		s.Push([]byte("data: [DONE]"))
		if frames := s.Flush(); len(frames) != 0 {
			t.Fatalf("unexpected frames: %v", payloads(frames))
		}
		if !s.Done() {
			t.Fatal("expected Done()")
		}
	})
}

// =============================================================================
// FrameReader Tests
// =============================================================================

const sampleStream = "data: {\"immediate_display\":{\"reply\":\"Hello\"}}\n\n" +
	"data: {not json\n\n" +
	": comment\n\n" +
	"data: {\"content\":\"é\",\"agent\":\"X\"}\n\n" +
	"data: [DONE]\n\n" +
	"data: {\"content\":\"ignored\"}\n\n"

func TestFrameReader_ChunkingIndependence(t *testing.T) {
	want := []string{
		`{"immediate_display":{"reply":"Hello"}}`,
		`{not json`,
		`{"content":"é","agent":"X"}`,
	}

	for size := 1; size <= len(sampleStream); size++ {
		var got []string
		completed, err := NewFrameReader().Read(context.Background(),
			&chunkedReader{data: []byte(sampleStream), size: size},
			func(f Frame) error {
				got = append(got, f.Payload)
				return nil
			})
		if err != nil {
			t.Fatalf("size %d: unexpected error: %v", size, err)
		}
		if !completed {
			t.Fatalf("size %d: expected completion via [DONE]", size)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("size %d: got %q, want %q", size, got, want)
		}
	}
}

func TestFrameReader_EOFWithoutSentinel(t *testing.T) {
	var got []string
	completed, err := NewFrameReader().Read(context.Background(),
		strings.NewReader("data: a\n\ndata: b"),
		func(f Frame) error {
			got = append(got, f.Payload)
			return nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed {
		t.Error("expected completed=false without [DONE]")
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("unexpected frames: %v", got)
	}
}

func TestFrameReader_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	var got []string
	_, err := NewFrameReader().Read(context.Background(),
		&failingReader{data: []byte("data: a\n"), err: boom},
		func(f Frame) error {
			got = append(got, f.Payload)
			return nil
		})

	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if len(got) != 1 {
		t.Errorf("frames before the error should be delivered, got %v", got)
	}
}

func TestFrameReader_CallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	_, err := NewFrameReader().Read(context.Background(),
		strings.NewReader("data: a\ndata: b\n"),
		func(f Frame) error {
			calls++
			return stop
		})

	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 callback, got %d", calls)
	}
}

func TestFrameReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFrameReader().Read(ctx, strings.NewReader("data: a\n"), func(Frame) error {
		t.Fatal("callback must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
