// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging is the structured-logging facade used by every other
// package in this agent. It wraps charmbracelet/log rather than the
// standard library's log or slog packages so call sites get leveled,
// key/value structured output with near-zero ceremony.
package logging

import (
	"os"
	"sync"

	charm "github.com/charmbracelet/log"
)

// Logger is a structured, leveled logger that can be scoped to a
// component and carry a fixed set of key/value fields.
type Logger struct {
	l *charm.Logger
}

var (
	mu      sync.Mutex
	root    *Logger
	rootSet bool
)

// Default returns the process-wide root logger, creating it on first use
// with level Info and output to stderr.
func Default() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if !rootSet {
		root = newLogger(charm.New(os.Stderr))
		root.l.SetLevel(charm.InfoLevel)
		rootSet = true
	}
	return root
}

func newLogger(l *charm.Logger) *Logger {
	return &Logger{l: l}
}

// SetLevel adjusts the root logger's verbosity. levelName is one of
// "debug", "info", "warn", "error"; unrecognized values are ignored and
// the level is left unchanged.
func SetLevel(levelName string) {
	lvl, err := charm.ParseLevel(levelName)
	if err != nil {
		return
	}
	Default().l.SetLevel(lvl)
}

// WithComponent returns a child logger that tags every line with
// component=name.
func (lg *Logger) WithComponent(name string) *Logger {
	return &Logger{l: lg.l.With("component", name)}
}

// With returns a child logger carrying the given key/value pairs on
// every subsequent line, in addition to any already attached.
func (lg *Logger) With(kv ...any) *Logger {
	return &Logger{l: lg.l.With(kv...)}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debug(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Info(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warn(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Error(msg, kv...) }

// Package-level convenience wrappers over Default(), for call sites that
// don't hold a scoped *Logger and just want to log directly.
func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
