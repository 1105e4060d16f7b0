// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging provides an slog-based logger with a human-readable
// console sink at a severity threshold and an optional always-verbose file
// sink.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger wraps slog with the sink layout this tool needs: one console sink
// filtered at a threshold, one optional file sink at full verbosity.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	// ConsoleLevel is the minimum level written to Console.
	ConsoleLevel Level

	// Console is the human-facing sink. Defaults to os.Stderr.
	Console io.Writer

	// File, if non-nil, records every level regardless of ConsoleLevel.
	File io.Writer
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.ConsoleLevel)

	handlers := []slog.Handler{
		newConsoleHandler(cfg.Console, levelVar),
	}
	if cfg.File != nil {
		fileLevel := &slog.LevelVar{}
		fileLevel.Set(LevelDebug)
		handlers = append(handlers, newConsoleHandler(cfg.File, fileLevel))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = multiHandler(handlers)
	}
	return &Logger{
		Logger: slog.New(h),
		level:  levelVar,
	}
}

// SetLevel changes the console log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent returns a logger with a component field, rendered as a
// message prefix by the console handler.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
	}
}
