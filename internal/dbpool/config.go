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

package dbpool

import (
	"crypto/tls"
	"time"

	"github.com/altairalabs/mailroute/internal/routing"
)

// PoolConfig holds connection and pool settings for one endpoint.
type PoolConfig struct {
	// ConnString is the PostgreSQL connection URI.
	ConnString string
	// MaxConns is the maximum number of connections in the pool.
	MaxConns int32
	// MinConns is the number of connections kept open.
	MinConns int32
	// MaxConnLifetime is the maximum lifetime of a connection.
	MaxConnLifetime time.Duration
	// MaxConnIdleTime is the maximum time a connection can be idle. Default: 30m.
	MaxConnIdleTime time.Duration
	// HealthCheckPeriod is the interval between health checks on idle connections. Default: 1m.
	HealthCheckPeriod time.Duration
	// ConnectTimeout bounds pool creation and the initial ping. Default: 5s.
	ConnectTimeout time.Duration
	// TLS enables TLS when non-nil.
	TLS *tls.Config
}

// DefaultPoolConfig returns pool defaults. Callers must still set ConnString.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:          30,
		MinConns:          10,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    5 * time.Second,
	}
}

// PoolConfigFor derives pool settings from an endpoint: PoolSize connections
// are kept open and the pool may grow by MaxOverflow.
func PoolConfigFor(ep routing.Endpoint) PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.ConnString = ep.URL
	if ep.PoolSize > 0 {
		cfg.MinConns = ep.PoolSize
		cfg.MaxConns = ep.PoolSize + max(ep.MaxOverflow, 0)
	}
	if ep.Recycle > 0 {
		cfg.MaxConnLifetime = ep.Recycle
	}
	return cfg
}

// BreakerConfig configures per-endpoint circuit breaking.
type BreakerConfig struct {
	Enabled bool
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long an open breaker fails fast before probing.
	OpenTimeout time.Duration
}
