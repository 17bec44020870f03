// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/convostream/services/sessiond/handlers"
	"github.com/AleutianAI/convostream/services/sessiond/routes"
	"github.com/AleutianAI/convostream/services/sessiond/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// =============================================================================
// Helpers
// =============================================================================

// newBackend starts an in-process session daemon and returns a config file
// pointing at it.
func newBackend(t *testing.T) string {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Handlers: handlers.New(st, &handlers.ScriptedAgent{ChunkWords: 3}, nil),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`server:
  base_url: %s
  send_path: /v1/chat/stream
  timeout: 5s
engine:
  max_retries: 0
  retry_delay: 10ms
  backoff: linear
  title_min_messages: 2
logging:
  level: debug
  dir: %s
telemetry:
  traces: none
  metrics: none
output:
  personality: machine
`, srv.URL, filepath.Join(dir, "logs"))
	path := filepath.Join(dir, "convo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// =============================================================================
// chat
// =============================================================================

func TestChat_OneShot(t *testing.T) {
	cfg := newBackend(t)

	out, err := runCLI(t, "", "--config", cfg, "chat", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "user_message\tyou\t\thello\n")
	assert.Contains(t, out, "agent_response\tWelcomeAgent\t\tYou said: hello. How can I help you with that?\n")
}

func TestChat_ForcedAgentStreamsIncrementally(t *testing.T) {
	cfg := newBackend(t)

	out, err := runCLI(t, "", "--config", cfg, "chat", "--agent", handlers.CodingAgent, "write", "something")
	require.NoError(t, err)
	assert.Contains(t, out, "agent_response\tCodingAgent\t\tHere is a starting point:")
	assert.Contains(t, out, "Tell me what to change.\n")
}

func TestChat_Interactive(t *testing.T) {
	cfg := newBackend(t)

	out, err := runCLI(t, "first\n\n/title Greeting test\nsecond\n/quit\nnever sent\n", "--config", cfg, "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "You said: first.")
	assert.Contains(t, out, "You said: second.")
	assert.NotContains(t, out, "never sent")

	list, err := runCLI(t, "", "--config", cfg, "sessions")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(list), "\n")
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 5)
	assert.Equal(t, "4", fields[2])
	assert.Equal(t, "Greeting test", fields[4])
}

func TestChat_InvalidInteractionData(t *testing.T) {
	cfg := newBackend(t)

	_, err := runCLI(t, "", "--config", cfg, "chat", "--interaction", "choice", "--data", "{nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--data")
}

func TestChat_Abandon(t *testing.T) {
	cfg := newBackend(t)

	out, err := runCLI(t, "hi\n/abandon\n", "--config", cfg, "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "WARN: session ")

	list, err := runCLI(t, "", "--config", cfg, "sessions")
	require.NoError(t, err)
	assert.Contains(t, list, "\tabandoned\t")
}

// =============================================================================
// sessions
// =============================================================================

func TestSessions_ShowAndDelete(t *testing.T) {
	cfg := newBackend(t)

	_, err := runCLI(t, "", "--config", cfg, "chat", "hello")
	require.NoError(t, err)

	list, err := runCLI(t, "", "--config", cfg, "sessions")
	require.NoError(t, err)
	id, _, ok := strings.Cut(strings.TrimSpace(list), "\t")
	require.True(t, ok)

	show, err := runCLI(t, "", "--config", cfg, "sessions", "show", id)
	require.NoError(t, err)
	assert.Contains(t, show, "user_message\tyou\t\thello\n")
	assert.Contains(t, show, "You said: hello.")

	del, err := runCLI(t, "", "--config", cfg, "sessions", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, del, "OK: deleted "+id)

	list, err = runCLI(t, "", "--config", cfg, "sessions")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(list))

	_, err = runCLI(t, "", "--config", cfg, "sessions", "show", id)
	require.Error(t, err)
}

// =============================================================================
// replay
// =============================================================================

func TestReplay_FilesInArgumentOrder(t *testing.T) {
	cfg := newBackend(t)
	dir := t.TempDir()

	write := func(name, reply string) string {
		frames := []string{
			`{"immediate_display":{"reply":"` + strings.Fields(reply)[0] + `","agent":"WelcomeAgent"},"system_state":{"metadata":{"message_id":"` + name + `","stream_type":"start","content_mode":"complete"}}}`,
			`{"immediate_display":{"reply":"` + reply + `","agent":"WelcomeAgent"},"system_state":{"metadata":{"message_id":"` + name + `","stream_type":"delta","content_mode":"complete"}}}`,
			`{"system_state":{"done":true,"metadata":{"message_id":"` + name + `"}}}`,
		}
		var b strings.Builder
		b.WriteString(": ping\n\n")
		for _, f := range frames {
			b.WriteString("data: " + f + "\n\n")
		}
		b.WriteString("data: [DONE]\n\n")
		path := filepath.Join(dir, name+".sse")
		require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
		return path
	}
	a := write("a", "Alpha reply here")
	b := write("b", "Beta reply here")

	out, err := runCLI(t, "", "--config", cfg, "replay", "-j", "2", "--chunk-size", "7", a, b)
	require.NoError(t, err)
	ia := strings.Index(out, "agent_response\tWelcomeAgent\t\tAlpha reply here\n")
	ib := strings.Index(out, "agent_response\tWelcomeAgent\t\tBeta reply here\n")
	require.GreaterOrEqual(t, ia, 0, out)
	require.GreaterOrEqual(t, ib, 0, out)
	assert.Less(t, ia, ib)

	// Offline replays never reach the backend.
	list, err := runCLI(t, "", "--config", cfg, "sessions")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(list))
}

func TestReplay_MissingFile(t *testing.T) {
	cfg := newBackend(t)

	_, err := runCLI(t, "", "--config", cfg, "replay", filepath.Join(t.TempDir(), "absent.sse"))
	require.Error(t, err)
}
