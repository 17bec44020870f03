// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine reconciles streamed backend responses into sessions.
//
// # Description
//
// The Engine owns a registry of sessions. SendMessage appends the user's
// message, opens a response stream through a Transport and feeds every
// frame through the normalizer, the reconciler and the trigger dispatcher
// until the stream ends. Failed attempts are retried under a RetryPolicy;
// once the budget is spent an apology message is appended instead.
//
// Side effects (title generation, generation handoff, stage listeners,
// session sync) run on background goroutines outside the session lock.
// Close waits for them.
//
// # Thread Safety
//
// Engine methods are safe for concurrent use. Frames of one stream are
// processed in order on the caller's goroutine. Each session has its own
// lock, so streams into different sessions never block each other.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/convostream/pkg/logging"
	"github.com/AleutianAI/convostream/pkg/session"
	"github.com/AleutianAI/convostream/pkg/stream"
	"github.com/AleutianAI/convostream/pkg/telemetry"
	"github.com/AleutianAI/convostream/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSessionNotFound is returned for ids the registry does not hold.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyMessage is returned when a send has neither text nor an
	// interaction payload.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoTransport is returned by SendMessage on an engine built without
	// a Transport.
	ErrNoTransport = errors.New("no transport configured")

	// ErrNoLoader is returned by RestoreSession on an engine built without
	// a Loader.
	ErrNoLoader = errors.New("no session loader configured")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("engine closed")
)

// DefaultApology is appended after the retry budget is exhausted.
const DefaultApology = "Sorry, I couldn't reach the assistant just now. Please try again in a moment."

// Sync checkpoints, used as the checkpoint metric label.
const (
	checkpointCreate    = "create"
	checkpointDone      = "done"
	checkpointStreamEnd = "stream_end"
	checkpointTitle     = "title"
	checkpointAbandon   = "abandon"
	checkpointExhausted = "exhausted"
)

// =============================================================================
// Collaborators
// =============================================================================

// Transport opens the response stream for one attempt.
type Transport interface {
	Send(ctx context.Context, req transport.SendRequest) (io.ReadCloser, error)
}

// Synchronizer persists a session snapshot. Errors are logged and
// swallowed by the engine.
type Synchronizer interface {
	Sync(ctx context.Context, snapshot *session.Session) error
}

// Loader fetches a persisted session for RestoreSession.
type Loader interface {
	Load(ctx context.Context, sessionID string) (*session.Session, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config tunes engine behavior. The zero value of each field selects its
// default.
type Config struct {
	// Agents classifies agents for the merge policy.
	Agents AgentProfile

	// Retry drives the send loop. A zero value means DefaultRetryPolicy.
	Retry RetryPolicy

	// ApologyMessage replaces DefaultApology.
	ApologyMessage string

	// SyncTimeout bounds each sync call. Default 10s.
	SyncTimeout time.Duration

	// HookTimeout bounds each hook call. Default 30s.
	HookTimeout time.Duration

	// TitleMinMessages is the history length that enables the title
	// trigger. Default 3.
	TitleMinMessages int

	// Extractors replaces the default payload extractor chain.
	Extractors []stream.Extractor

	// ChunkSize is the stream read buffer size. Default 4096.
	ChunkSize int
}

// DefaultConfig returns the defaults spelled out.
func DefaultConfig() Config {
	return Config{
		Agents:           DefaultAgentProfile(),
		Retry:            DefaultRetryPolicy(),
		ApologyMessage:   DefaultApology,
		SyncTimeout:      10 * time.Second,
		HookTimeout:      30 * time.Second,
		TitleMinMessages: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Agents.Code) == 0 && len(c.Agents.Conversational) == 0 {
		c.Agents = d.Agents
	}
	if c.Retry.MaxRetries == 0 && c.Retry.Backoff == nil && c.Retry.Sleep == nil {
		c.Retry = d.Retry
	}
	if strings.TrimSpace(c.ApologyMessage) == "" {
		c.ApologyMessage = d.ApologyMessage
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = d.HookTimeout
	}
	if c.TitleMinMessages <= 0 {
		c.TitleMinMessages = d.TitleMinMessages
	}
	return c
}

// Deps are the engine's collaborators. Only Transport is needed for
// SendMessage; everything else may be nil.
type Deps struct {
	Transport    Transport
	Synchronizer Synchronizer
	Loader       Loader
	Hooks        Hooks
	Logger       *slog.Logger
	Registerer   prometheus.Registerer
}

// =============================================================================
// Send Types
// =============================================================================

// Interaction is a structured form submission sent instead of free text.
type Interaction struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SendOptions are the optional parts of a send. They take part in the
// dedup key.
type SendOptions struct {
	ForceAgent  string         `json:"forceAgent,omitempty"`
	TestMode    bool           `json:"testMode,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Interaction *Interaction   `json:"interaction,omitempty"`
}

// SendResult describes one SendMessage call.
type SendResult struct {
	// Attempts is the number of transport attempts made.
	Attempts int

	// Deduplicated is set when an identical send was already in flight
	// and this call did nothing.
	Deduplicated bool

	// Exhausted is set when every attempt failed and the apology was
	// appended.
	Exhausted bool

	// UserMessageIndex is the history index of the user's message, or -1
	// for interaction submissions without text.
	UserMessageIndex int

	// Frames is the number of frames read by the successful attempt.
	Frames int

	// Completed is set when the successful stream ended with [DONE].
	Completed bool
}

// StreamStats describes one pass over a response stream.
type StreamStats struct {
	Frames    int
	Usable    int
	Completed bool
}

// Summary is a registry listing entry.
type Summary struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Status    session.Status `json:"status"`
	Messages  int            `json:"messages"`
	Streaming bool           `json:"streaming"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// =============================================================================
// Engine
// =============================================================================

// entry is one registered session and its per-session machinery.
type entry struct {
	mu    sync.Mutex
	s     *session.Session
	rec   *Reconciler
	dedup *DedupGuard
}

// Engine is the session registry and send pipeline.
type Engine struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	metrics    *Metrics
	normalizer *stream.Normalizer
	policy     MergePolicy
	dispatcher Dispatcher

	mu       sync.RWMutex
	sessions map[string]*entry

	restores singleflight.Group

	// lifeMu orders enter against Close so no operation starts after
	// Close begins waiting on inflight.
	lifeMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	bg       sync.WaitGroup
}

// New creates an engine.
//
// # Inputs
//
//   - cfg: Tuning. Zero fields take defaults.
//   - deps: Collaborators. Transport is required for sends only.
//
// # Outputs
//
//   - *Engine: Ready to use.
//   - error: Non-nil if the retry policy is invalid.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid retry policy: max retries %d", cfg.Retry.MaxRetries)
	}

	extractors := cfg.Extractors
	if len(extractors) == 0 {
		extractors = stream.DefaultExtractors()
	}

	logger := logging.OrDiscard(deps.Logger)
	reportOtelInit(logger, initOtelMetrics, &otelWarnOnce)

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		metrics:    NewMetrics(deps.Registerer),
		normalizer: stream.NewNormalizer(extractors...),
		policy:     MergePolicy{Profile: cfg.Agents},
		dispatcher: Dispatcher{MinTitleMessages: cfg.TitleMinMessages},
		sessions:   make(map[string]*entry),
	}, nil
}

// Metrics exposes the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// =============================================================================
// Registry
// =============================================================================

// CreateSession registers a new active session and syncs it.
func (e *Engine) CreateSession(ctx context.Context, settings map[string]string) (*session.Session, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	s := session.New(settings)
	ent := e.register(s)

	ent.mu.Lock()
	snap := ent.s.Snapshot()
	ent.mu.Unlock()

	e.logger.Info("session created", "session_id", s.ID)
	e.syncAsync(ctx, checkpointCreate, snap)
	return snap, nil
}

// RestoreSession loads a persisted session into the registry.
//
// # Description
//
// A session already in the registry is returned as is. Concurrent
// restores of one id share a single Load call. Messages persisted with
// the streaming flag set (a client that died mid-stream) are closed and
// marked interrupted.
func (e *Engine) RestoreSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	if ent, ok := e.lookup(sessionID); ok {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return ent.s.Snapshot(), nil
	}
	if e.deps.Loader == nil {
		return nil, ErrNoLoader
	}

	v, err, _ := e.restores.Do(sessionID, func() (any, error) {
		loaded, err := e.deps.Loader.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if loaded == nil || loaded.ID != sessionID {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		closeDanglingStreams(loaded)

		ent := e.register(loaded)
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return ent.s.Snapshot(), nil
	})
	if err != nil {
		e.logger.Warn("session restore failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("restore session %s: %w", sessionID, err)
	}
	e.logger.Info("session restored", "session_id", sessionID)
	return v.(*session.Session), nil
}

// Snapshot returns a deep copy of the session.
func (e *Engine) Snapshot(sessionID string) (*session.Session, error) {
	ent, ok := e.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.s.Snapshot(), nil
}

// Sessions lists registered sessions, most recently updated first.
func (e *Engine) Sessions() []Summary {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.sessions))
	for _, ent := range e.sessions {
		entries = append(entries, ent)
	}
	e.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		_, streaming := ent.rec.Streaming()
		out = append(out, Summary{
			ID:        ent.s.ID,
			Title:     ent.s.Title,
			Status:    ent.s.Status,
			Messages:  ent.s.Len(),
			Streaming: streaming,
			UpdatedAt: ent.s.UpdatedAt,
		})
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SetTitle sets the session title and syncs.
func (e *Engine) SetTitle(ctx context.Context, sessionID, title string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.inflight.Done()
	_, err := e.setTitle(ctx, sessionID, title, false)
	return err
}

// setTitle stores title. With onlyIfEmpty an existing title wins.
func (e *Engine) setTitle(ctx context.Context, sessionID, title string, onlyIfEmpty bool) (bool, error) {
	title = strings.TrimSpace(title)
	ent, ok := e.lookup(sessionID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	ent.mu.Lock()
	if title == "" || title == ent.s.Title || (onlyIfEmpty && ent.s.Title != "") {
		ent.mu.Unlock()
		return false, nil
	}
	ent.s.Title = title
	ent.s.Touch()
	snap := ent.s.Snapshot()
	ent.mu.Unlock()

	e.syncAsync(ctx, checkpointTitle, snap)
	return true, nil
}

// AbandonSession marks the session abandoned and syncs. The session stays
// in the registry and an in-flight stream keeps reconciling into it.
func (e *Engine) AbandonSession(ctx context.Context, sessionID string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.inflight.Done()
	ent, ok := e.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	ent.mu.Lock()
	ent.s.Status = session.StatusAbandoned
	ent.s.Touch()
	snap := ent.s.Snapshot()
	ent.mu.Unlock()

	e.logger.Info("session abandoned", "session_id", sessionID)
	e.syncAsync(ctx, checkpointAbandon, snap)
	return nil
}

func (e *Engine) register(s *session.Session) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.sessions[s.ID]; ok {
		return ent
	}
	ent := &entry{
		s:     s,
		rec:   NewReconciler(e.policy, e.logger),
		dedup: NewDedupGuard(),
	}
	e.sessions[s.ID] = ent
	return ent
}

func (e *Engine) lookup(sessionID string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.sessions[sessionID]
	return ent, ok
}

// closeDanglingStreams clears streaming flags persisted by a client that
// stopped mid-stream.
func closeDanglingStreams(s *session.Session) {
	for i := range s.ConversationHistory {
		md := &s.ConversationHistory[i].Metadata
		if md.Streaming {
			md.Streaming = false
			md.Diagnostics.Interrupted = true
		}
	}
}

// =============================================================================
// Send
// =============================================================================

// SendMessage sends content to the backend and reconciles the response.
//
// # Description
//
//  1. An identical send (same session, content and options) already in
//     flight makes this call a no-op returning Deduplicated.
//  2. The user message is appended once, whatever the retry count.
//  3. Each attempt opens a stream and reconciles it frame by frame. A
//     failed attempt increments errorsEncountered and closes its partial
//     message as interrupted.
//  4. After the last retry fails, one apology system message is appended.
//
// # Outputs
//
//   - *SendResult: Always non-nil except for argument errors.
//   - error: nil on success or dedup; ctx.Err() on cancellation; an error
//     wrapping ErrRetriesExhausted after exhaustion.
func (e *Engine) SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (*SendResult, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	if strings.TrimSpace(content) == "" && opts.Interaction == nil {
		return nil, ErrEmptyMessage
	}
	if e.deps.Transport == nil {
		return nil, ErrNoTransport
	}
	ent, ok := e.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	key, err := DedupKey(sessionID, content, opts)
	if err != nil {
		return nil, err
	}
	if !ent.dedup.Acquire(key) {
		e.metrics.DedupRejectionsTotal.Inc()
		e.metrics.SendsTotal.WithLabelValues("deduplicated").Inc()
		e.logger.Debug("duplicate send ignored", "session_id", sessionID)
		return &SendResult{Deduplicated: true, UserMessageIndex: -1}, nil
	}
	defer ent.dedup.Release(key)

	ctx, span := startSendSpan(ctx, sessionID, len(content))
	defer span.End()
	start := time.Now()

	result := &SendResult{UserMessageIndex: -1}
	ent.mu.Lock()
	if strings.TrimSpace(content) != "" {
		result.UserMessageIndex = ent.s.Append(session.NewUserMessage(content))
	}
	ent.s.Metadata.Metrics.UserInteractions++
	ent.mu.Unlock()

	req := buildRequest(sessionID, content, opts)
	attempts, err := e.cfg.Retry.Do(ctx,
		func(ctx context.Context, n int) error {
			stats, err := e.attempt(ctx, ent, req, n)
			if err == nil {
				result.Frames = stats.Frames
				result.Completed = stats.Completed
			}
			return err
		},
		func(n int, err error) {
			e.recordFailure(ent, n, err)
		},
	)
	result.Attempts = attempts

	switch {
	case err == nil:
		e.metrics.SendsTotal.WithLabelValues("success").Inc()
		telemetry.SetSpanOK(span)
		recordSendDuration(ctx, time.Since(start), "success")
		return result, nil

	case errors.Is(err, ErrRetriesExhausted):
		result.Exhausted = true
		ent.mu.Lock()
		ent.s.Append(session.NewSystemMessage(e.cfg.ApologyMessage))
		snap := ent.s.Snapshot()
		ent.mu.Unlock()

		e.logger.Error("send failed after retries",
			"session_id", sessionID, "attempts", attempts, "error", err)
		e.metrics.SendsTotal.WithLabelValues("exhausted").Inc()
		telemetry.RecordError(span, err)
		recordSendDuration(ctx, time.Since(start), "exhausted")
		e.syncAsync(ctx, checkpointExhausted, snap)
		return result, err

	default:
		// Cancelled: close whatever the interrupted attempt left open.
		ent.mu.Lock()
		ent.rec.Abort(ent.s)
		ent.mu.Unlock()

		e.logger.Info("send cancelled", "session_id", sessionID, "attempts", attempts, "error", err)
		e.metrics.SendsTotal.WithLabelValues("cancelled").Inc()
		telemetry.RecordError(span, err)
		recordSendDuration(ctx, time.Since(start), "cancelled")
		return result, err
	}
}

// attempt runs one transport call and reconciles its stream.
func (e *Engine) attempt(ctx context.Context, ent *entry, req transport.SendRequest, n int) (StreamStats, error) {
	ctx, span := startAttemptSpan(ctx, n)
	defer span.End()

	e.metrics.ActiveStreams.Inc()
	defer e.metrics.ActiveStreams.Dec()
	begin := time.Now()

	body, err := e.deps.Transport.Send(ctx, req)
	if err != nil {
		e.metrics.RecordAttempt(err, 0)
		telemetry.RecordError(span, err)
		return StreamStats{}, err
	}
	defer body.Close()

	stats, err := e.consume(ctx, ent, body)
	setAttemptSpanResult(span, stats.Frames, stats.Completed)
	e.metrics.RecordAttempt(err, time.Since(begin))
	if err != nil {
		telemetry.RecordError(span, err)
		return stats, err
	}
	return stats, nil
}

// recordFailure is the retry loop's failure callback.
func (e *Engine) recordFailure(ent *entry, n int, err error) {
	ent.mu.Lock()
	aborted := ent.rec.Abort(ent.s)
	ent.s.Metadata.Metrics.ErrorsEncountered++
	ent.s.Touch()
	id := ent.s.ID
	ent.mu.Unlock()

	e.logger.Warn("send attempt failed",
		"session_id", id, "attempt", n+1, "interrupted_message", aborted, "error", err)
}

func buildRequest(sessionID, content string, opts SendOptions) transport.SendRequest {
	req := transport.SendRequest{
		SessionID:  sessionID,
		Message:    content,
		ForceAgent: opts.ForceAgent,
		TestMode:   opts.TestMode,
		Context:    opts.Context,
	}
	if opts.Interaction != nil {
		req.InteractionType = opts.Interaction.Type
		req.Data = opts.Interaction.Data
	}
	return req
}

// =============================================================================
// Ingest
// =============================================================================

// Ingest reconciles an already-open stream into the session. It is the
// per-attempt pipeline without transport, retries or a user message; used
// for replaying captured transcripts.
func (e *Engine) Ingest(ctx context.Context, sessionID string, r io.Reader) (StreamStats, error) {
	if err := e.enter(); err != nil {
		return StreamStats{}, err
	}
	defer e.inflight.Done()
	ent, ok := e.lookup(sessionID)
	if !ok {
		return StreamStats{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	stats, err := e.consume(ctx, ent, r)
	if err != nil {
		ent.mu.Lock()
		ent.rec.Abort(ent.s)
		ent.mu.Unlock()
		return stats, err
	}
	return stats, nil
}

// consume reads r to the end, reconciling each frame. On a clean end it
// closes any message left streaming and syncs unless a done event already
// did.
func (e *Engine) consume(ctx context.Context, ent *entry, r io.Reader) (StreamStats, error) {
	var stats StreamStats
	doneSynced := false

	reader := stream.NewFrameReader()
	if e.cfg.ChunkSize > 0 {
		reader.ChunkSize = e.cfg.ChunkSize
	}

	completed, err := reader.Read(ctx, r, func(f stream.Frame) error {
		stats.Frames++
		ev, verdict := e.normalizer.Normalize(f.Payload)
		e.metrics.FramesTotal.WithLabelValues(string(verdict)).Inc()
		if !verdict.Usable() {
			if verdict != stream.VerdictEmpty {
				e.logger.Debug("frame skipped", "frame", f.Index, "verdict", string(verdict))
			}
			return nil
		}
		stats.Usable++
		recordFrameShape(ctx, ev.Shape)
		if e.apply(ctx, ent, ev) {
			doneSynced = true
		}
		return nil
	})
	stats.Completed = completed
	if err != nil {
		return stats, err
	}

	ent.mu.Lock()
	finished := ent.rec.Finish(ent.s)
	var snap *session.Session
	if finished || !doneSynced {
		snap = ent.s.Snapshot()
	}
	id := ent.s.ID
	ent.mu.Unlock()

	if finished {
		e.logger.Debug("stream ended without done", "session_id", id)
	}
	if snap != nil {
		e.syncAsync(ctx, checkpointStreamEnd, snap)
	}
	return stats, nil
}

// apply reconciles one usable event and fires its triggers. It reports
// whether a done sync was issued.
func (e *Engine) apply(ctx context.Context, ent *entry, ev stream.StreamEvent) bool {
	ent.mu.Lock()
	out := ent.rec.Apply(ent.s, ev)
	triggers := e.dispatcher.Evaluate(ent.s, ev)

	var doneSnap, genSnap *session.Session
	if out.Done {
		doneSnap = ent.s.Snapshot()
	}
	for _, t := range triggers {
		if t.Kind == TriggerGeneration {
			genSnap = ent.s.Snapshot()
			break
		}
	}
	id := ent.s.ID
	ent.mu.Unlock()

	if out.Merged {
		e.metrics.RecordMerge(out.Decision)
	}
	e.fire(ctx, id, triggers, genSnap)
	if doneSnap != nil {
		e.syncAsync(ctx, checkpointDone, doneSnap)
		return true
	}
	return false
}

// =============================================================================
// Side Effects
// =============================================================================

// fire runs each trigger's hook on a background goroutine.
func (e *Engine) fire(ctx context.Context, sessionID string, triggers []Trigger, genSnap *session.Session) {
	hooks := e.deps.Hooks
	for _, t := range triggers {
		e.metrics.TriggersTotal.WithLabelValues(string(t.Kind)).Inc()

		switch t.Kind {
		case TriggerTitle:
			if hooks.Title == nil {
				continue
			}
			e.background(ctx, e.cfg.HookTimeout, func(hctx context.Context) {
				title, err := hooks.Title.RequestTitle(hctx, sessionID, t.ConversationLength, t.HasTitle)
				if err != nil {
					e.logger.Warn("title generation failed", "session_id", sessionID, "error", err)
					return
				}
				if _, err := e.setTitle(hctx, sessionID, title, true); err != nil {
					e.logger.Warn("title not stored", "session_id", sessionID, "error", err)
				}
			})

		case TriggerGeneration:
			if hooks.Generation == nil || genSnap == nil {
				continue
			}
			e.background(ctx, e.cfg.HookTimeout, func(hctx context.Context) {
				if err := hooks.Generation.HandOff(hctx, genSnap); err != nil {
					e.logger.Warn("generation handoff failed", "session_id", sessionID, "error", err)
					return
				}
				e.logger.Info("generation handoff", "session_id", sessionID)
				if hooks.ModeSwitch != nil {
					hooks.ModeSwitch.RequestModeSwitch(sessionID, ModeGeneration)
				}
			})

		case TriggerStage:
			if hooks.Stage == nil {
				continue
			}
			e.background(ctx, e.cfg.HookTimeout, func(hctx context.Context) {
				hooks.Stage.StageAdvanced(hctx, t.Stage)
			})

		case TriggerCompletion:
			e.logger.Info("session completed", "session_id", sessionID)
			if hooks.Stage == nil {
				continue
			}
			e.background(ctx, e.cfg.HookTimeout, func(hctx context.Context) {
				hooks.Stage.SessionCompleted(hctx, sessionID)
			})
		}
	}
}

// syncAsync persists snap without blocking the caller. Failures are
// logged and counted, never retried.
func (e *Engine) syncAsync(ctx context.Context, checkpoint string, snap *session.Session) {
	if e.deps.Synchronizer == nil || snap == nil {
		return
	}
	e.background(ctx, e.cfg.SyncTimeout, func(sctx context.Context) {
		err := e.deps.Synchronizer.Sync(sctx, snap)
		e.metrics.RecordSync(checkpoint, err)
		if err != nil {
			e.logger.Warn("session sync failed",
				"session_id", snap.ID, "checkpoint", checkpoint, "error", err)
			return
		}
		e.logger.Debug("session synced", "session_id", snap.ID, "checkpoint", checkpoint)
	})
}

// background runs fn detached from ctx's cancellation but keeping its
// values, bounded by timeout.
func (e *Engine) background(ctx context.Context, timeout time.Duration, fn func(context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		fn(bctx)
	}()
}

// enter registers a public operation that may start background work.
// Callers defer e.inflight.Done() on success.
func (e *Engine) enter() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.inflight.Add(1)
	return nil
}

// Wait blocks until every background hook and sync has returned, or ctx
// is done.
func (e *Engine) Wait(ctx context.Context) error {
	return waitGroup(ctx, &e.bg)
}

// Close rejects new operations, waits for in-flight ones (sends still
// streaming included) and then for the background work they started.
func (e *Engine) Close(ctx context.Context) error {
	e.lifeMu.Lock()
	e.closed = true
	e.lifeMu.Unlock()

	if err := waitGroup(ctx, &e.inflight); err != nil {
		return err
	}
	return waitGroup(ctx, &e.bg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
