// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cryfslog is the structured logging facade used by every layer of
// the store: a package-level slog.Logger, configurable between text and
// JSON handlers, with an optional rotating file sink.
package cryfslog

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the slog handler used by the default logger.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls where and how the default logger writes.
type Config struct {
	Format Format
	Level  slog.Level

	// LogFile, if non-empty, is rotated through lumberjack.v2 instead of
	// written straight to Writer. Matches the teacher's use of lumberjack
	// for its on-disk log file.
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Writer is used instead of LogFile when LogFile is empty. Defaults to
	// os.Stderr.
	Writer io.Writer
}

var (
	mu            sync.Mutex
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	levelVar      = new(slog.LevelVar)
)

// Init installs the default logger used by Get. Safe to call once at
// process startup; subsequent calls replace the logger atomically.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	levelVar.Set(cfg.Level)

	var w io.Writer = cfg.Writer
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
	} else if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	defaultLogger = slog.New(handler)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Get returns the process-wide logger. Components take this rather than
// constructing their own so that integrity violations, checker findings
// and cache pruner errors all land in one sink.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// SetLevel adjusts the default logger's level without reconfiguring its
// handler or sink.
func SetLevel(l slog.Level) {
	levelVar.Set(l)
}
