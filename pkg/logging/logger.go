/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides shared logger initialization for mailroute binaries.
package logging

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Loggers bundles the logger flavours used across the module, all backed by
// the same Zap core: *zap.SugaredLogger for the archive engine, logr.Logger
// for library packages and *slog.Logger for the process default.
type Loggers struct {
	Zap   *zap.Logger
	Sugar *zap.SugaredLogger
	Logr  logr.Logger
	Slog  *slog.Logger
}

// Sync flushes buffered log entries.
func (l *Loggers) Sync() { _ = l.Zap.Sync() }

// New builds all logger flavours from the LOG_LEVEL environment variable.
func New() (*Loggers, error) {
	z, err := NewZapLogger()
	if err != nil {
		return nil, err
	}
	return FromZap(z), nil
}

// FromZap wraps an existing Zap logger.
func FromZap(z *zap.Logger) *Loggers {
	return &Loggers{
		Zap:   z,
		Sugar: z.Sugar(),
		Logr:  zapr.NewLogger(z),
		Slog:  SlogFromZap(z),
	}
}

// NewLogger creates a logr.Logger backed by Zap.
// It checks the LOG_LEVEL environment variable: "debug" or "trace" selects a
// development config with debug-level output; "warn" and "error" raise the
// production level; any other value (including empty) selects production
// config at info level.
// Returns the logger and a sync function the caller should defer.
func NewLogger() (logr.Logger, func(), error) {
	zapLog, err := newZapLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logr.Logger{}, nil, err
	}
	sync := func() { _ = zapLog.Sync() }
	return zapr.NewLogger(zapLog), sync, nil
}

// NewZapLogger creates a *zap.Logger configured via the LOG_LEVEL env var.
func NewZapLogger() (*zap.Logger, error) {
	return newZapLogger(os.Getenv("LOG_LEVEL"))
}

// SlogFromZap creates an *slog.Logger that writes directly to the Zap core,
// so slog output has the same JSON structure, level names, and timestamps as
// the other loggers.
func SlogFromZap(z *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(z.Core(), zapslog.WithCaller(true)))
}

func newZapLogger(level string) (*zap.Logger, error) {
	if level == "debug" || level == "trace" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil && lvl > zapcore.InfoLevel {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
