// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists session snapshots in BadgerDB.
//
// # Description
//
// Each session is one key, "session:<id>", holding the JSON snapshot the
// client synced last. Writes are last-writer-wins on the snapshot's
// UpdatedAt: a snapshot older than the stored one is ignored, so
// fire-and-forget syncs that arrive out of order never roll a session back.
//
// # Thread Safety
//
// Store is safe for concurrent use. Badger transactions provide isolation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no snapshot is stored under the id.
var ErrNotFound = errors.New("session not found")

// keyPrefix namespaces session snapshots.
const keyPrefix = "session:"

func sessionKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the store configuration.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the discardable fraction that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns the on-disk configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration with no disk persistence.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Store
// =============================================================================

// Summary is one row of the session listing.
type Summary struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Status    session.Status `json:"status"`
	Messages  int            `json:"messages"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store is the Badger-backed session store.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
}

// Open opens (or creates) the store.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *Store: Ready store. Caller must Close it.
//   - error: Non-nil if the directory or database could not be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := logging.OrDiscard(cfg.Logger)
	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Put stores snapshot unless a newer one is already stored.
//
// # Outputs
//
//   - bool: True if the snapshot was written, false if it was stale.
//   - error: Non-nil on encode or database failure.
func (s *Store) Put(snapshot *session.Session) (bool, error) {
	if snapshot == nil || snapshot.ID == "" {
		return false, errors.New("snapshot must have an id")
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("encode session %s: %w", snapshot.ID, err)
	}

	written := false
	err = s.db.Update(func(txn *badger.Txn) error {
		current, err := getTxn(txn, snapshot.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case current.UpdatedAt.After(snapshot.UpdatedAt):
			return nil
		}
		written = true
		return txn.Set(sessionKey(snapshot.ID), raw)
	})
	if err != nil {
		return false, fmt.Errorf("put session %s: %w", snapshot.ID, err)
	}
	if !written {
		s.logger.Debug("stale snapshot ignored", "session_id", snapshot.ID)
	}
	return written, nil
}

// Get loads one session.
func (s *Store) Get(id string) (*session.Session, error) {
	var out *session.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every stored session, most recently updated first.
func (s *Store) List() ([]Summary, error) {
	out := make([]Summary, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var snap session.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				s.logger.Warn("skipping undecodable session",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, Summary{
				ID:        snap.ID,
				Title:     snap.Title,
				Status:    snap.Status,
				Messages:  len(snap.ConversationHistory),
				UpdatedAt: snap.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes a session. Deleting a missing session returns ErrNotFound.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(sessionKey(id))
	})
}

func getTxn(txn *badger.Txn, id string) (*session.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var snap session.Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	}); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &snap, nil
}

// =============================================================================
// Value Log GC
// =============================================================================

type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() { go r.run() }

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite just means nothing was worth collecting.
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("value log GC failed", "error", err)
			}
		}
	}
}
