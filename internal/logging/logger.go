// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides structured logging configuration for rigrun-guard.
//
// Operational logs go to stderr so that command output on stdout stays
// machine readable. Audit events are not logs; they go through the audit
// sink.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
}

// New builds a logger writing to w. An unparseable level falls back to info.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Setup builds a logger writing to w, installs it as the global zerolog
// logger and returns it.
func Setup(cfg Config, w io.Writer) zerolog.Logger {
	logger := New(cfg, w)
	log.Logger = logger
	return logger
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}
