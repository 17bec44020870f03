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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type response func(ctx context.Context) (io.ReadCloser, error)

func sseBody(frames ...string) response {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	body := b.String()
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func failWith(err error) response {
	return func(context.Context) (io.ReadCloser, error) { return nil, err }
}

// scriptedTransport plays responses in order; the last one repeats.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []response
	requests  []transport.SendRequest
	entered   chan struct{}
}

func (t *scriptedTransport) Send(ctx context.Context, req transport.SendRequest) (io.ReadCloser, error) {
	t.mu.Lock()
	n := len(t.requests)
	t.requests = append(t.requests, req)
	fn := t.responses[len(t.responses)-1]
	if n < len(t.responses) {
		fn = t.responses[n]
	}
	entered := t.entered
	t.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	return fn(ctx)
}

func (t *scriptedTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

type recordingSync struct {
	mu    sync.Mutex
	snaps []*session.Session
	err   error
}

func (r *recordingSync) Sync(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return r.err
}

func (r *recordingSync) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type recordingHooks struct {
	mu         sync.Mutex
	titleCalls []int
	title      string
	handoffs   []*session.Session
	stages     []StageEvent
	completed  []string
	modes      []string
}

func (h *recordingHooks) RequestTitle(_ context.Context, _ string, length int, _ bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.titleCalls = append(h.titleCalls, length)
	return h.title, nil
}

func (h *recordingHooks) HandOff(_ context.Context, s *session.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handoffs = append(h.handoffs, s)
	return nil
}

func (h *recordingHooks) StageAdvanced(_ context.Context, ev StageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stages = append(h.stages, ev)
}

func (h *recordingHooks) SessionCompleted(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, id)
}

func (h *recordingHooks) RequestModeSwitch(_ string, mode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modes = append(h.modes, mode)
}

func (h *recordingHooks) asHooks() Hooks {
	return Hooks{Title: h, Generation: h, Stage: h, ModeSwitch: h}
}

type testEngine struct {
	*Engine
	transport *scriptedTransport
	sync      *recordingSync
	sleep     *recordingSleep
	registry  *prometheus.Registry
}

func newTestEngine(t *testing.T, hooks Hooks, responses ...response) *testEngine {
	t.Helper()
	sleep := &recordingSleep{}
	tr := &scriptedTransport{responses: responses}
	syn := &recordingSync{}
	reg := prometheus.NewRegistry()

	cfg := DefaultConfig()
	cfg.Retry.Sleep = sleep.Sleep
	eng, err := New(cfg, Deps{
		Transport:    tr,
		Synchronizer: syn,
		Hooks:        hooks,
		Registerer:   reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return &testEngine{Engine: eng, transport: tr, sync: syn, sleep: sleep, registry: reg}
}

func (te *testEngine) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, te.Wait(ctx))
}

func canonical(agent, reply string) string {
	return fmt.Sprintf(`{"immediate_display":{"reply":%q,"agent":%q}}`, reply, agent)
}

const doneFrame = `{"system_state":{"done":true}}`

// =============================================================================
// Merge Examples
// =============================================================================

func TestSendMessage_WelcomeAgentReplaces(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(
		canonical("WelcomeAgent", "Hello"),
		canonical("WelcomeAgent", "Hello there"),
		canonical("WelcomeAgent", "Hello there!"),
		doneFrame,
	))
	s, err := te.CreateSession(context.Background(), nil)
	require.NoError(t, err)

	res, err := te.SendMessage(context.Background(), s.ID, "hi", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Completed)
	assert.Equal(t, 0, res.UserMessageIndex)

	snap, err := te.Snapshot(s.ID)
	require.NoError(t, err)
	require.Len(t, snap.ConversationHistory, 2)
	assert.Equal(t, session.MessageUser, snap.ConversationHistory[0].Type)
	assert.Equal(t, "Hello there!", snap.ConversationHistory[1].Content)
	assert.Equal(t, 0, snap.StreamingCount())
	assert.Equal(t, 1, snap.Metadata.Metrics.UserInteractions)
}

func TestSendMessage_CodingAgentAppends(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(
		canonical("CodingAgent", "import "),
		canonical("CodingAgent", "React"),
		canonical("CodingAgent", " from 'react'"),
		doneFrame,
	))
	s, _ := te.CreateSession(context.Background(), nil)

	_, err := te.SendMessage(context.Background(), s.ID, "write code", SendOptions{})
	require.NoError(t, err)

	snap, _ := te.Snapshot(s.ID)
	assert.Equal(t, "import React from 'react'", snap.ConversationHistory[1].Content)
	// The first chunk starts the message; the other two merge.
	assert.Equal(t, float64(2), testutil.ToFloat64(te.Metrics().MergesTotal.WithLabelValues("append", "2")))
}

// =============================================================================
// Stream Properties
// =============================================================================

func rechunkStream() string {
	frames := []string{
		`{"immediate_display":{"reply":"","agent":"CodingAgent"},"system_state":{"metadata":{"message_id":"m-1","stream_type":"start","content_mode":"incremental"}}}`,
		canonical("CodingAgent", "func main() {\n"),
		`{"system_state":{"intent":"thinking"}}`,
		canonical("CodingAgent", "\tfmt.Println(\"héllo, 世界\")\n"),
		`{not json`,
		canonical("CodingAgent", "}"),
		`{"system_state":{"done":true,"metadata":{"generated_files":["main.go"]}}}`,
	}
	var b strings.Builder
	b.WriteString(": keepalive\n\n")
	for _, f := range frames {
		b.WriteString("data: " + f + "\r\n\r\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestIngest_IdempotentUnderRechunking(t *testing.T) {
	raw := rechunkStream()

	reference := ingestWithChunkSize(t, raw, len(raw))
	require.Len(t, reference.ConversationHistory, 2)
	assert.Equal(t, "func main() {\n\tfmt.Println(\"héllo, 世界\")\n}", reference.ConversationHistory[0].Content)
	assert.Equal(t, "{not json", reference.ConversationHistory[1].Content)
	assert.JSONEq(t, `["main.go"]`, string(reference.ConversationHistory[0].Metadata.GeneratedFiles))

	for size := 1; size < len(raw); size++ {
		got := ingestWithChunkSize(t, raw, size)
		require.Len(t, got.ConversationHistory, 2, "chunk size %d", size)
		for i := range got.ConversationHistory {
			assert.Equal(t, reference.ConversationHistory[i].Content, got.ConversationHistory[i].Content, "chunk size %d", size)
			assert.Equal(t, reference.ConversationHistory[i].Type, got.ConversationHistory[i].Type, "chunk size %d", size)
		}
		assert.Equal(t, 0, got.StreamingCount(), "chunk size %d", size)
	}
}

func ingestWithChunkSize(t *testing.T, raw string, size int) *session.Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChunkSize = size
	eng, err := New(cfg, Deps{})
	require.NoError(t, err)
	s, err := eng.CreateSession(context.Background(), nil)
	require.NoError(t, err)

	stats, err := eng.Ingest(context.Background(), s.ID, strings.NewReader(raw))
	require.NoError(t, err)
	require.True(t, stats.Completed)

	snap, err := eng.Snapshot(s.ID)
	require.NoError(t, err)
	return snap
}

// probeReader checks the streaming invariant between reads.
type probeReader struct {
	r       io.Reader
	probe   func()
	maxSeen int
}

func (p *probeReader) Read(b []byte) (int, error) {
	p.probe()
	if len(b) > 7 {
		b = b[:7]
	}
	return p.r.Read(b)
}

func TestIngest_AtMostOneStreamingMessage(t *testing.T) {
	eng, err := New(Config{}, Deps{})
	require.NoError(t, err)
	s, _ := eng.CreateSession(context.Background(), nil)

	var b strings.Builder
	for i, id := range []string{"a", "a", "b", "b", "c"} {
		fmt.Fprintf(&b, "data: {\"content\":\"%d\",\"agent\":\"CodingAgent\",\"system_state\":{\"metadata\":{\"message_id\":%q}}}\n\n", i, id)
	}
	b.WriteString("data: " + doneFrame + "\n\n")

	pr := &probeReader{r: strings.NewReader(b.String())}
	pr.probe = func() {
		snap, err := eng.Snapshot(s.ID)
		require.NoError(t, err)
		if n := snap.StreamingCount(); n > pr.maxSeen {
			pr.maxSeen = n
		}
	}

	stats, err := eng.Ingest(context.Background(), s.ID, pr)
	require.NoError(t, err)
	assert.False(t, stats.Completed)
	assert.Equal(t, 1, pr.maxSeen)

	snap, _ := eng.Snapshot(s.ID)
	require.Len(t, snap.ConversationHistory, 3)
	assert.Equal(t, "01", snap.ConversationHistory[0].Content)
	assert.Equal(t, "23", snap.ConversationHistory[1].Content)
	assert.Equal(t, "4", snap.ConversationHistory[2].Content)
	assert.Equal(t, 0, snap.StreamingCount())
}

func TestIngest_ThinkingFramesNeverMutate(t *testing.T) {
	eng, _ := New(Config{}, Deps{})
	s, _ := eng.CreateSession(context.Background(), nil)

	raw := "data: " + `{"immediate_display":{"reply":"pondering","agent":"WelcomeAgent"},"system_state":{"intent":"thinking"}}` + "\n\n" +
		"data: " + `{"content":"also hidden","system_state":{"intent":"thinking","done":true}}` + "\n\n" +
		"data: [DONE]\n\n"
	_, err := eng.Ingest(context.Background(), s.ID, strings.NewReader(raw))
	require.NoError(t, err)

	snap, _ := eng.Snapshot(s.ID)
	assert.Empty(t, snap.ConversationHistory)
	assert.Equal(t, float64(2), testutil.ToFloat64(eng.Metrics().FramesTotal.WithLabelValues("thinking")))
}

func TestIngest_MalformedFrameDoesNotAbort(t *testing.T) {
	eng, _ := New(Config{}, Deps{})
	s, _ := eng.CreateSession(context.Background(), nil)

	raw := "data: {not json\n\ndata: " + canonical("WelcomeAgent", "still here") + "\n\ndata: [DONE]\n\n"
	stats, err := eng.Ingest(context.Background(), s.ID, strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Frames)

	snap, _ := eng.Snapshot(s.ID)
	require.Len(t, snap.ConversationHistory, 2)
	assert.Equal(t, session.MessageSystem, snap.ConversationHistory[0].Type)
	assert.Equal(t, "still here", snap.ConversationHistory[1].Content)
	assert.Equal(t, 0, snap.StreamingCount())
}

func TestIngest_NonObjectJSONIsSkipped(t *testing.T) {
	eng, _ := New(Config{}, Deps{})
	s, _ := eng.CreateSession(context.Background(), nil)

	raw := "data: []\n\ndata: [1,2,3]\n\ndata: 42\n\ndata: true\n\n" +
		"data: " + canonical("WelcomeAgent", "only this") + "\n\ndata: [DONE]\n\n"
	stats, err := eng.Ingest(context.Background(), s.ID, strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Frames)
	assert.Equal(t, 1, stats.Usable)

	snap, _ := eng.Snapshot(s.ID)
	require.Len(t, snap.ConversationHistory, 1)
	assert.Equal(t, "only this", snap.ConversationHistory[0].Content)
	assert.Equal(t, float64(4), testutil.ToFloat64(eng.Metrics().FramesTotal.WithLabelValues("unrecognized")))
}

func TestIngest_UnknownSession(t *testing.T) {
	eng, _ := New(Config{}, Deps{})
	_, err := eng.Ingest(context.Background(), "missing", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// =============================================================================
// Dedup
// =============================================================================

func TestSendMessage_ConcurrentDuplicateIsNoOp(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context) (io.ReadCloser, error) {
		<-release
		return sseBody(canonical("CodingAgent", "ok"), doneFrame)(ctx)
	}
	te := newTestEngine(t, Hooks{}, blocking)
	te.transport.entered = make(chan struct{}, 4)
	s, _ := te.CreateSession(context.Background(), nil)

	type outcome struct {
		res *SendResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := te.SendMessage(context.Background(), s.ID, "build it", SendOptions{TestMode: true})
		first <- outcome{res, err}
	}()
	<-te.transport.entered

	dup, err := te.SendMessage(context.Background(), s.ID, "build it", SendOptions{TestMode: true})
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.False(t, got.res.Deduplicated)

	assert.Equal(t, 1, te.transport.Calls())
	snap, _ := te.Snapshot(s.ID)
	users := 0
	for _, m := range snap.ConversationHistory {
		if m.Type == session.MessageUser {
			users++
		}
	}
	assert.Equal(t, 1, users)
	assert.Equal(t, float64(1), testutil.ToFloat64(te.Metrics().DedupRejectionsTotal))

	// Once released, the same send goes through again.
	again, err := te.SendMessage(context.Background(), s.ID, "build it", SendOptions{TestMode: true})
	require.NoError(t, err)
	assert.False(t, again.Deduplicated)
	assert.Equal(t, 2, te.transport.Calls())
}

// =============================================================================
// Retry
// =============================================================================

func TestSendMessage_RetryExhaustion(t *testing.T) {
	boom := &transport.StatusError{Code: 502, Body: "bad gateway"}
	te := newTestEngine(t, Hooks{}, failWith(boom))
	s, _ := te.CreateSession(context.Background(), nil)

	res, err := te.SendMessage(context.Background(), s.ID, "hello", SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var se *transport.StatusError
	assert.ErrorAs(t, err, &se)

	assert.True(t, res.Exhausted)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, te.transport.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, te.sleep.Delays())

	snap, _ := te.Snapshot(s.ID)
	assert.Equal(t, 4, snap.Metadata.Metrics.ErrorsEncountered)
	assert.Equal(t, 1, snap.Metadata.Metrics.UserInteractions)

	var system []session.Message
	for _, m := range snap.ConversationHistory {
		if m.Type == session.MessageSystem {
			system = append(system, m)
		}
	}
	require.Len(t, system, 1)
	assert.Equal(t, DefaultApology, system[0].Content)
	assert.Len(t, snap.ConversationHistory, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(te.Metrics().SendsTotal.WithLabelValues("exhausted")))
}

func TestSendMessage_RetryCounterIsPerCall(t *testing.T) {
	te := newTestEngine(t, Hooks{},
		failWith(errors.New("down")),
		sseBody(canonical("CodingAgent", "one"), doneFrame),
		failWith(errors.New("down again")),
		sseBody(canonical("CodingAgent", "two"), doneFrame),
	)
	s, _ := te.CreateSession(context.Background(), nil)

	first, err := te.SendMessage(context.Background(), s.ID, "a", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Attempts)

	second, err := te.SendMessage(context.Background(), s.ID, "b", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)

	assert.Equal(t, []time.Duration{time.Second, time.Second}, te.sleep.Delays())
	snap, _ := te.Snapshot(s.ID)
	assert.Equal(t, 2, snap.Metadata.Metrics.ErrorsEncountered)
}

type errAfter struct {
	r   io.Reader
	err error
}

func (e *errAfter) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func TestSendMessage_MidStreamFailureInterruptsPartialMessage(t *testing.T) {
	partial := func(context.Context) (io.ReadCloser, error) {
		body := "data: " + canonical("CodingAgent", "par") + "\n\n"
		return io.NopCloser(&errAfter{r: strings.NewReader(body), err: errors.New("connection reset")}), nil
	}
	te := newTestEngine(t, Hooks{}, partial, sseBody(canonical("CodingAgent", "full"), doneFrame))
	s, _ := te.CreateSession(context.Background(), nil)

	res, err := te.SendMessage(context.Background(), s.ID, "go", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	snap, _ := te.Snapshot(s.ID)
	require.Len(t, snap.ConversationHistory, 3)
	interrupted := snap.ConversationHistory[1]
	assert.Equal(t, "par", interrupted.Content)
	assert.True(t, interrupted.Metadata.Diagnostics.Interrupted)
	assert.False(t, interrupted.Metadata.Streaming)
	assert.Equal(t, "full", snap.ConversationHistory[2].Content)
	assert.Equal(t, 0, snap.StreamingCount())
	assert.Equal(t, 1, snap.Metadata.Metrics.ErrorsEncountered)
}

func TestSendMessage_CancelledContext(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(canonical("CodingAgent", "x")))
	s, _ := te.CreateSession(context.Background(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := te.SendMessage(ctx, s.ID, "hello", SendOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Exhausted)
	assert.Equal(t, 0, te.transport.Calls())

	snap, _ := te.Snapshot(s.ID)
	assert.Len(t, snap.ConversationHistory, 1)
	assert.Equal(t, 0, snap.Metadata.Metrics.ErrorsEncountered)
}

// =============================================================================
// Requests and Arguments
// =============================================================================

func TestSendMessage_BuildsRequest(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(doneFrame))
	s, _ := te.CreateSession(context.Background(), nil)

	_, err := te.SendMessage(context.Background(), s.ID, "", SendOptions{
		Interaction: &Interaction{Type: "form_submit", Data: []byte(`{"name":"Ada"}`)},
	})
	require.NoError(t, err)

	require.Equal(t, 1, te.transport.Calls())
	req := te.transport.requests[0]
	assert.Equal(t, s.ID, req.SessionID)
	assert.Equal(t, "form_submit", req.InteractionType)
	assert.JSONEq(t, `{"name":"Ada"}`, string(req.Data))

	snap, _ := te.Snapshot(s.ID)
	assert.Empty(t, snap.ConversationHistory)
	assert.Equal(t, 1, snap.Metadata.Metrics.UserInteractions)
}

func TestSendMessage_ArgumentErrors(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody())
	_, err := te.SendMessage(context.Background(), "missing", "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, _ := te.CreateSession(context.Background(), nil)
	_, err = te.SendMessage(context.Background(), s.ID, "   ", SendOptions{})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	bare, _ := New(Config{}, Deps{})
	s2, _ := bare.CreateSession(context.Background(), nil)
	_, err = bare.SendMessage(context.Background(), s2.ID, "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestNew_RejectsNegativeRetries(t *testing.T) {
	_, err := New(Config{Retry: RetryPolicy{MaxRetries: -1}}, Deps{})
	assert.Error(t, err)
}

// =============================================================================
// Triggers and Hooks
// =============================================================================

func TestSendMessage_FiresHooks(t *testing.T) {
	hooks := &recordingHooks{title: "Landing page"}
	te := newTestEngine(t, hooks.asHooks(),
		sseBody(
			`{"immediate_display":{"reply":"Welcome!","agent":"WelcomeAgent"},"system_state":{"intent":"advance","metadata":{"force_advance":true}}}`,
			doneFrame,
		),
		sseBody(
			`{"immediate_display":{"reply":"Ready.","agent":"DesignAgent"},"system_state":{"intent":"done","done":true,"metadata":{"readyToGenerate":true}}}`,
		),
	)
	s, _ := te.CreateSession(context.Background(), nil)

	_, err := te.SendMessage(context.Background(), s.ID, "hi", SendOptions{})
	require.NoError(t, err)
	_, err = te.SendMessage(context.Background(), s.ID, "make me a site", SendOptions{})
	require.NoError(t, err)
	te.wait(t)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()

	require.Len(t, hooks.stages, 1)
	assert.True(t, hooks.stages[0].Forced)
	assert.Equal(t, "WelcomeAgent", hooks.stages[0].Stage)

	require.Len(t, hooks.handoffs, 1)
	assert.Len(t, hooks.handoffs[0].ConversationHistory, 4)
	assert.Equal(t, []string{ModeGeneration}, hooks.modes)
	assert.Equal(t, []string{s.ID}, hooks.completed)
	assert.NotEmpty(t, hooks.titleCalls)
	assert.GreaterOrEqual(t, hooks.titleCalls[0], 3)

	snap, _ := te.Snapshot(s.ID)
	assert.Equal(t, "Landing page", snap.Title)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.Metadata.Progress.ForcedAdvances)
	assert.True(t, snap.Metadata.Progress.ReadyForGeneration)
}

func TestSetTitle_HookDoesNotOverrideManualTitle(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody())
	s, _ := te.CreateSession(context.Background(), nil)

	require.NoError(t, te.SetTitle(context.Background(), s.ID, "  Manual  "))
	stored, err := te.setTitle(context.Background(), s.ID, "Generated", true)
	require.NoError(t, err)
	assert.False(t, stored)

	snap, _ := te.Snapshot(s.ID)
	assert.Equal(t, "Manual", snap.Title)
	assert.ErrorIs(t, te.SetTitle(context.Background(), "missing", "x"), ErrSessionNotFound)
}

// =============================================================================
// Sync
// =============================================================================

func TestSync_Checkpoints(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(canonical("CodingAgent", "x"), doneFrame))
	s, _ := te.CreateSession(context.Background(), nil)
	_, err := te.SendMessage(context.Background(), s.ID, "go", SendOptions{})
	require.NoError(t, err)
	te.wait(t)

	assert.Equal(t, 2, te.sync.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(te.Metrics().SyncsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(te.Metrics().SyncsTotal.WithLabelValues("done", "ok")))

	te.sync.mu.Lock()
	var latest *session.Session
	for _, snap := range te.sync.snaps {
		if latest == nil || len(snap.ConversationHistory) > len(latest.ConversationHistory) {
			latest = snap
		}
	}
	te.sync.mu.Unlock()
	require.Len(t, latest.ConversationHistory, 2)
	assert.False(t, latest.ConversationHistory[1].Metadata.Streaming)
}

func TestSync_StreamEndWithoutDone(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(canonical("CodingAgent", "x")))
	s, _ := te.CreateSession(context.Background(), nil)
	_, err := te.SendMessage(context.Background(), s.ID, "go", SendOptions{})
	require.NoError(t, err)
	te.wait(t)

	assert.Equal(t, float64(1), testutil.ToFloat64(te.Metrics().SyncsTotal.WithLabelValues("stream_end", "ok")))
	snap, _ := te.Snapshot(s.ID)
	assert.Equal(t, 0, snap.StreamingCount())
}

func TestSync_FailuresAreSwallowed(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody(canonical("CodingAgent", "x"), doneFrame))
	te.sync.err = errors.New("store unavailable")
	s, _ := te.CreateSession(context.Background(), nil)

	_, err := te.SendMessage(context.Background(), s.ID, "go", SendOptions{})
	require.NoError(t, err)
	te.wait(t)

	assert.Equal(t, float64(1), testutil.ToFloat64(te.Metrics().SyncsTotal.WithLabelValues("done", "error")))
	assert.Equal(t, 2, te.sync.Count())
}

// =============================================================================
// Registry
// =============================================================================

type gatedLoader struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	session *session.Session
}

func (l *gatedLoader) Load(_ context.Context, id string) (*session.Session, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	<-l.release
	if id != l.session.ID {
		return nil, errors.New("not stored")
	}
	return l.session.Snapshot(), nil
}

func TestRestoreSession_SharedLoadAndDanglingStream(t *testing.T) {
	stored := session.New(nil)
	stored.Append(session.NewUserMessage("hi"))
	dangling := session.Message{ID: "m", Type: session.MessageAgent, Content: "half"}
	dangling.Metadata.Streaming = true
	stored.Append(dangling)

	loader := &gatedLoader{release: make(chan struct{}), session: stored}
	eng, err := New(Config{}, Deps{Loader: loader})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*session.Session, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := eng.RestoreSession(context.Background(), stored.ID)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(loader.release)
	wg.Wait()

	loader.mu.Lock()
	calls := loader.calls
	loader.mu.Unlock()
	assert.LessOrEqual(t, calls, 5)
	assert.GreaterOrEqual(t, calls, 1)

	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, 0, s.StreamingCount())
		assert.True(t, s.ConversationHistory[1].Metadata.Diagnostics.Interrupted)
	}

	// A registered session is served without loading.
	_, err = eng.RestoreSession(context.Background(), stored.ID)
	require.NoError(t, err)
	loader.mu.Lock()
	assert.Equal(t, calls, loader.calls)
	loader.mu.Unlock()
}

func TestRestoreSession_Errors(t *testing.T) {
	eng, _ := New(Config{}, Deps{})
	_, err := eng.RestoreSession(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoLoader)

	loader := &gatedLoader{release: make(chan struct{}), session: session.New(nil)}
	close(loader.release)
	eng, _ = New(Config{}, Deps{Loader: loader})
	_, err = eng.RestoreSession(context.Background(), "other")
	assert.Error(t, err)
	assert.Empty(t, eng.Sessions())
}

func TestSessionsAndAbandon(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody())
	a, _ := te.CreateSession(context.Background(), map[string]string{"theme": "dark"})
	time.Sleep(2 * time.Millisecond)
	b, _ := te.CreateSession(context.Background(), nil)

	list := te.Sessions()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	require.NoError(t, te.AbandonSession(context.Background(), a.ID))
	snap, _ := te.Snapshot(a.ID)
	assert.Equal(t, session.StatusAbandoned, snap.Status)
	assert.Equal(t, "dark", snap.Metadata.Settings["theme"])
	assert.Equal(t, a.ID, te.Sessions()[0].ID)

	assert.ErrorIs(t, te.AbandonSession(context.Background(), "missing"), ErrSessionNotFound)
	_, err := te.Snapshot("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClose_WaitsForInFlightSend(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context) (io.ReadCloser, error) {
		<-release
		return sseBody(canonical("CodingAgent", "ok"), doneFrame)(ctx)
	}
	te := newTestEngine(t, Hooks{}, blocking)
	te.transport.entered = make(chan struct{}, 1)
	s, err := te.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	te.wait(t)
	require.Equal(t, 1, te.sync.Count())

	sent := make(chan error, 1)
	go func() {
		_, err := te.SendMessage(context.Background(), s.ID, "hi", SendOptions{})
		sent <- err
	}()
	<-te.transport.entered

	// The send is still streaming, so a bounded Close gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, te.Close(ctx), context.DeadlineExceeded)

	_, err = te.SendMessage(context.Background(), s.ID, "later", SendOptions{})
	assert.ErrorIs(t, err, ErrClosed)

	close(release)
	require.NoError(t, te.Close(context.Background()))
	require.NoError(t, <-sent)

	// The done sync of the in-flight send finished before Close returned.
	after := te.sync.Count()
	assert.GreaterOrEqual(t, after, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, te.sync.Count())
}

func TestClose_RejectsNewWork(t *testing.T) {
	te := newTestEngine(t, Hooks{}, sseBody())
	s, _ := te.CreateSession(context.Background(), nil)
	require.NoError(t, te.Close(context.Background()))

	_, err := te.CreateSession(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = te.SendMessage(context.Background(), s.ID, "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
