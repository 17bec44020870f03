// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by convostream binaries.
//
// Library packages (engine, persist, transport) never construct loggers;
// they accept a *slog.Logger and fall back to Discard when given nil.
// Binaries build one here and pass Logger.Slog() down.
//
// # Destinations
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Logger                            │
//	│  ┌──────────────┐  ┌──────────────┐  ┌────────────────┐  │
//	│  │ stderr       │  │ log file     │  │ LogExporter    │  │
//	│  │ text/json/   │  │ (JSON,       │  │ (tests, remote │  │
//	│  │ pretty       │  │  optional)   │  │  collectors)   │  │
//	│  └──────────────┘  └──────────────┘  └────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.convostream/logs",
//	    Service: "convo",
//	    Pretty:  isatty.IsTerminal(os.Stderr.Fd()),
//	})
//	defer logger.Close()
//
//	eng, err := engine.New(cfg, engine.Deps{Logger: logger.Slog()})
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR" or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// ParseLevel maps a config or flag string onto a Level.
//
// Accepts debug, info, warn/warning and error in any case. The empty
// string is Info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to stderr
// as text.
type Config struct {
	// Level is the minimum level written to any destination.
	Level Level

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. "~" expands to the home directory. The directory is
	// created with 0750 permissions.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. Ignored when Pretty is set.
	JSON bool

	// Pretty renders stderr with colored, aligned columns. Intended for
	// interactive terminals.
	Pretty bool

	// Quiet disables stderr output.
	Quiet bool

	// Exporter receives every record that passes the level filter.
	Exporter LogExporter

	// Stderr overrides os.Stderr. Used by tests.
	Stderr io.Writer
}

// =============================================================================
// Exporter Extension Point
// =============================================================================

// LogExporter receives structured log entries.
//
// Export is called synchronously from the logging goroutine with a short
// deadline. Implementations that talk to the network must buffer.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is one exported record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the destinations behind a *slog.Logger.
//
// # Resource Management
//
// Close flushes the exporter and closes the log file. Child loggers
// created with With share both and must not be closed separately.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger. Failure to open the log file is not fatal: the
// logger continues with the remaining destinations and reports the
// problem once at WARN.
func New(config Config) *Logger {
	level := config.Level.slogLevel()
	opts := &slog.HandlerOptions{Level: level}

	stderr := config.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		handlers = append(handlers, stderrHandler(stderr, config, opts))
	}

	logger := &Logger{config: config, exporter: config.Exporter}

	var fileErr error
	if config.LogDir != "" {
		var h slog.Handler
		logger.file, h, fileErr = openFileHandler(config, opts)
		if h != nil {
			handlers = append(handlers, h)
		}
	}

	if config.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			level:    level,
			service:  config.Service,
			exporter: config.Exporter,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	if fileErr != nil {
		logger.slog.Warn("file logging disabled", "log_dir", config.LogDir, "error", fileErr)
	}
	return logger
}

// Default returns an Info-level stderr logger for the "convo" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "convo"})
}

// Discard returns a logger that drops everything. Library constructors use
// it when the caller passes nil.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the exporter, then syncs and closes the file.
// It returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

func stderrHandler(w io.Writer, config Config, opts *slog.HandlerOptions) slog.Handler {
	switch {
	case config.Pretty:
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(config.Level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
	case config.JSON:
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func charmLevel(l Level) charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func openFileHandler(config Config, opts *slog.HandlerOptions) (*os.File, slog.Handler, error) {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	service := config.Service
	if service == "" {
		service = "convo"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return file, slog.NewJSONHandler(file, opts), nil
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes to every enabled handler and returns the first error.
// A failing destination does not starve the others.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler adapts a LogExporter to slog. Groups are flattened into
// dotted attribute keys.
type exportHandler struct {
	level    slog.Level
	service  string
	exporter LogExporter
	attrs    []slog.Attr
	group    string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.group, a)
		return true
	})
	// "service" is carried on the entry itself.
	delete(attrs, "service")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	return h.exporter.Export(ctx, LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, inner := range v.Group() {
			addAttr(dst, key, inner)
		}
		return
	}
	dst[key] = v.Any()
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// BufferedExporter collects entries in memory. Tests use it to assert on
// what a component logged:
//
//	exp := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Quiet: true, Exporter: exp})
//	eng, _ := engine.New(cfg, engine.Deps{Logger: logger.Slog()})
//	...
//	entries := exp.Find("merge policy ambiguous")
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(context.Context) error { return nil }
func (e *BufferedExporter) Close() error                { return nil }

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Find returns the entries whose message equals msg.
func (e *BufferedExporter) Find(msg string) []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []LogEntry
	for _, entry := range e.entries {
		if entry.Message == msg {
			out = append(out, entry)
		}
	}
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)
