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

// Package logctx provides structured logging context management.
// It allows storing and extracting common logging fields from context.Context,
// so routing decisions and archive cycles log with consistent keys.
package logctx

import (
	"context"
	"strconv"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies the caller's request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyIntent is the query intent being resolved (read, write, ...).
	ContextKeyIntent contextKey = "intent"

	// ContextKeyTable is the table being accessed or archived.
	ContextKeyTable contextKey = "table"

	// ContextKeyShard is the shard index serving the access.
	ContextKeyShard contextKey = "shard"

	// ContextKeyEndpoint is the endpoint name (primary, replica, archive, shard-N).
	ContextKeyEndpoint contextKey = "endpoint"

	// ContextKeyCycleID identifies one archive cycle.
	ContextKeyCycleID contextKey = "cycle_id"
)

// allContextKeys lists all context keys that should be extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyIntent,
	ContextKeyTable,
	ContextKeyShard,
	ContextKeyEndpoint,
	ContextKeyCycleID,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithIntent returns a new context with the query intent set.
func WithIntent(ctx context.Context, intent string) context.Context {
	return context.WithValue(ctx, ContextKeyIntent, intent)
}

// WithTable returns a new context with the table set.
func WithTable(ctx context.Context, table string) context.Context {
	return context.WithValue(ctx, ContextKeyTable, table)
}

// WithShard returns a new context with the shard index set.
func WithShard(ctx context.Context, shard int) context.Context {
	return context.WithValue(ctx, ContextKeyShard, strconv.Itoa(shard))
}

// WithEndpoint returns a new context with the endpoint name set.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, ContextKeyEndpoint, endpoint)
}

// WithCycleID returns a new context with the archive cycle ID set.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, ContextKeyCycleID, cycleID)
}

// LoggingFields holds all standard logging fields.
type LoggingFields struct {
	RequestID string
	Intent    string
	Table     string
	Shard     string
	Endpoint  string
	CycleID   string
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	set := func(key contextKey, v string) {
		if v != "" {
			ctx = context.WithValue(ctx, key, v)
		}
	}
	set(ContextKeyRequestID, fields.RequestID)
	set(ContextKeyIntent, fields.Intent)
	set(ContextKeyTable, fields.Table)
	set(ContextKeyShard, fields.Shard)
	set(ContextKeyEndpoint, fields.Endpoint)
	set(ContextKeyCycleID, fields.CycleID)
	return ctx
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	return LoggingFields{
		RequestID: value(ctx, ContextKeyRequestID),
		Intent:    value(ctx, ContextKeyIntent),
		Table:     value(ctx, ContextKeyTable),
		Shard:     value(ctx, ContextKeyShard),
		Endpoint:  value(ctx, ContextKeyEndpoint),
		CycleID:   value(ctx, ContextKeyCycleID),
	}
}

// LogrValues extracts context values and returns them as key-value pairs
// suitable for use with logr.Logger.WithValues() or zap.SugaredLogger.With().
// Only non-empty values are included.
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if s := value(ctx, key); s != "" {
			values = append(values, string(key), s)
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// SugaredWithContext returns a zap logger enriched with all context values.
func SugaredWithContext(log *zap.SugaredLogger, ctx context.Context) *zap.SugaredLogger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.With(values...)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string { return value(ctx, ContextKeyRequestID) }

// Table extracts the table from the context.
func Table(ctx context.Context) string { return value(ctx, ContextKeyTable) }

// CycleID extracts the archive cycle ID from the context.
func CycleID(ctx context.Context) string { return value(ctx, ContextKeyCycleID) }

func value(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
