// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"testing"
	"time"

	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshotAt(id string, at time.Time, msgs ...string) *session.Session {
	s := session.New(nil)
	s.ID = id
	for _, m := range msgs {
		s.Append(session.NewUserMessage(m))
	}
	s.UpdatedAt = at
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_OnDisk(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = time.Hour
	s, err := Open(cfg)
	require.NoError(t, err)

	_, err = s.Put(snapshotAt("disk", time.Now(), "hi"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("disk")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.ConversationHistory[0].Content)
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	written, err := s.Put(snapshotAt("a", now, "hello"))
	require.NoError(t, err)
	assert.True(t, written)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.Len(t, got.ConversationHistory, 1)
	assert.True(t, got.UpdatedAt.Equal(now))
}

func TestStore_PutIsLastWriterWins(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	_, err := s.Put(snapshotAt("a", now, "one", "two"))
	require.NoError(t, err)

	written, err := s.Put(snapshotAt("a", now.Add(-time.Second), "one"))
	require.NoError(t, err)
	assert.False(t, written, "older snapshot must not overwrite")

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Len(t, got.ConversationHistory, 2)

	written, err = s.Put(snapshotAt("a", now.Add(time.Second), "one", "two", "three"))
	require.NoError(t, err)
	assert.True(t, written)

	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Len(t, got.ConversationHistory, 3)
}

func TestStore_PutRejectsMissingID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(nil)
	assert.Error(t, err)
	_, err = s.Put(&session.Session{})
	assert.Error(t, err)
}

func TestStore_GetMissing(t *testing.T) {
	_, err := openTestStore(t).Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	older := snapshotAt("older", now.Add(-time.Minute), "x")
	older.Title = "Old"
	_, err := s.Put(older)
	require.NoError(t, err)
	_, err = s.Put(snapshotAt("newer", now, "x", "y"))
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)
	assert.Equal(t, 2, list[0].Messages)
	assert.Equal(t, "older", list[1].ID)
	assert.Equal(t, "Old", list[1].Title)
	assert.Equal(t, session.StatusActive, list[1].Status)
}

func TestStore_ListEmpty(t *testing.T) {
	list, err := openTestStore(t).List()
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(snapshotAt("a", time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.Delete("a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("a"), ErrNotFound)
}
