// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Clauselight components.
//
// The logger is built on Go's standard library slog package with a layered
// output model:
//
//   - Default: stderr output (text on a TTY, JSON otherwise)
//   - Optional: file logging with automatic directory creation
//   - Optional: pluggable LogExporter for shipping entries elsewhere
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("analysis requested", "content_hash", hash)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "/var/log/clauselight",
//	    Service: "analysis-core",
//	})
//	defer logger.Close()
//
// File logs are named {service}_{date}.log and are always JSON.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// This package does NOT redact sensitive data. Content payloads, HMAC keys,
// and user identifiers beyond opaque ids must never be logged.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
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

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
// Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) toSlogLevel() slog.Level {
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

// LogEntry is the normalized record handed to a LogExporter.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Service string         `json:"service,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogExporter receives log entries for delivery to an external system.
// Implementations must not block; buffer internally and flush on Close.
type LogExporter interface {
	Export(entry LogEntry)
	Close() error
}

// Config configures Logger behavior. The zero value writes Info+ to stderr.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory when non-empty.
	// The file is named "{Service}_{YYYY-MM-DD}.log" in JSON format.
	LogDir string

	// Service is attached to every entry as the "service" attribute.
	Service string

	// JSON forces JSON output on stderr. When false, text is used on a TTY
	// and JSON otherwise.
	JSON bool

	// Quiet disables stderr output (file and exporter sinks still apply).
	Quiet bool

	// Exporter, when set, receives every entry at or above Level.
	Exporter LogExporter
}

// Logger is a layered structured logger. Create with New or Default.
type Logger struct {
	mu       sync.Mutex
	slogger  *slog.Logger
	file     *os.File
	exporter LogExporter
	service  string
	level    Level
}

// New creates a Logger from the given configuration.
//
// File logging failures are reported on stderr and degrade to stderr-only
// logging rather than failing construction; a data-plane service must not
// refuse to start because its log directory is unwritable.
func New(config Config) *Logger {
	var writers []io.Writer
	var file *os.File

	if !config.Quiet {
		writers = append(writers, os.Stderr)
	}

	if config.LogDir != "" {
		if f, err := openLogFile(config.LogDir, config.Service); err != nil {
			fmt.Fprintf(os.Stderr, "logging: file sink disabled: %v\n", err)
		} else {
			file = f
			writers = append(writers, f)
		}
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	var handler slog.Handler
	if config.JSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slogger := slog.New(handler)
	if config.Service != "" {
		slogger = slogger.With("service", config.Service)
	}

	return &Logger{
		slogger:  slogger,
		file:     file,
		exporter: config.Exporter,
		service:  config.Service,
		level:    config.Level,
	}
}

// Default returns a stderr-only Logger at Info level.
func Default() *Logger {
	return New(Config{})
}

func openLogFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expand log dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "clauselight"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}

	switch level {
	case LevelDebug:
		l.slogger.Debug(msg, args...)
	case LevelInfo:
		l.slogger.Info(msg, args...)
	case LevelWarn:
		l.slogger.Warn(msg, args...)
	case LevelError:
		l.slogger.Error(msg, args...)
	}

	if l.exporter != nil {
		l.exporter.Export(LogEntry{
			Time:    time.Now().UTC(),
			Level:   level.String(),
			Message: msg,
			Service: l.service,
			Attrs:   attrsToMap(args),
		})
	}
}

// With returns a Logger with the given attributes attached to every entry.
// The returned Logger shares sinks with the receiver.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slogger:  l.slogger.With(args...),
		file:     l.file,
		exporter: l.exporter,
		service:  l.service,
		level:    l.level,
	}
}

// Slog exposes the underlying *slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger {
	return l.slogger
}

// Close flushes and closes the file sink and exporter, if any.
// Safe to call on a stderr-only logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.file != nil {
		if err := l.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.file = nil
	}
	if l.exporter != nil {
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func attrsToMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		m[key] = args[i+1]
	}
	return m
}

// BufferedExporter collects entries in memory. Intended for tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter returns an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

// Export appends the entry to the buffer.
func (e *BufferedExporter) Export(entry LogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
}

// Entries returns a copy of the buffered entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }
