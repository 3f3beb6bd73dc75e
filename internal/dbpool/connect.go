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
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altairalabs/mailroute/internal/dbsession"
	"github.com/altairalabs/mailroute/internal/routing"
)

// Conn is a live connection pool to one datastore URL.
type Conn interface {
	// NewSession opens a session bound to ep on this pool.
	NewSession(ctx context.Context, ep routing.Endpoint) (dbsession.Session, error)
	Close()
}

// ConnectFunc creates the pool for an endpoint. It is called at most once per
// URL at a time.
type ConnectFunc func(ctx context.Context, ep routing.Endpoint) (Conn, error)

// PgxConn is a Conn over a pgx pool.
type PgxConn struct {
	pool *pgxpool.Pool
	log  logr.Logger
}

// Compile-time interface check.
var _ Conn = (*PgxConn)(nil)

// NewSession opens a pgx session on the pool.
func (c *PgxConn) NewSession(ctx context.Context, ep routing.Endpoint) (dbsession.Session, error) {
	return dbsession.NewPgxSession(ctx, c.pool, ep, c.log)
}

// Close shuts the pool down.
func (c *PgxConn) Close() { c.pool.Close() }

// Pool returns the underlying pool.
func (c *PgxConn) Pool() *pgxpool.Pool { return c.pool }

// PgxConnector returns a ConnectFunc creating pgx pools sized from the
// endpoint and verified with a ping.
func PgxConnector(log logr.Logger) ConnectFunc {
	return func(ctx context.Context, ep routing.Endpoint) (Conn, error) {
		pool, err := NewPool(ctx, PoolConfigFor(ep))
		if err != nil {
			return nil, err
		}
		return &PgxConn{pool: pool, log: log.WithValues("endpoint", ep.Name())}, nil
	}
}

// NewPool creates a pool from cfg and verifies it with a ping.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("dbpool: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("dbpool: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultPoolConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("dbpool: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbpool: ping failed: %w", err)
	}

	return pool, nil
}
