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

// Package dbpool memoizes one connection pool per datastore URL and hands out
// sessions on it. Pools are created lazily on first use and live until the
// cache is closed.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker/v2"

	"github.com/altairalabs/mailroute/internal/dbsession"
	"github.com/altairalabs/mailroute/internal/routing"
	"github.com/altairalabs/mailroute/pkg/metrics"
)

var (
	// ErrEndpointUnavailable is returned while an endpoint's circuit breaker
	// is open. No other endpoint is tried.
	ErrEndpointUnavailable = errors.New("dbpool: endpoint unavailable")
	// ErrCacheClosed is returned after Close.
	ErrCacheClosed = errors.New("dbpool: cache closed")
)

// Options configures a Cache.
type Options struct {
	// Connect creates pools. Defaults to PgxConnector.
	Connect ConnectFunc
	Breaker BreakerConfig
	Logger  logr.Logger
	// Metrics may be nil.
	Metrics *metrics.RoutingMetrics
}

type entry struct {
	ready chan struct{}
	conn  Conn
	err   error
}

// Cache holds one pool per URL. It is safe for concurrent use; concurrent
// first requests for the same URL share a single pool creation.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	breakers map[string]*gobreaker.CircuitBreaker[dbsession.Session]
	closed   bool

	connect ConnectFunc
	breaker BreakerConfig
	log     logr.Logger
	metrics *metrics.RoutingMetrics
}

// Compile-time interface check.
var _ dbsession.Opener = (*Cache)(nil)

// New creates an empty cache.
func New(opts Options) *Cache {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	connect := opts.Connect
	if connect == nil {
		connect = PgxConnector(log)
	}
	return &Cache{
		entries:  make(map[string]*entry),
		breakers: make(map[string]*gobreaker.CircuitBreaker[dbsession.Session]),
		connect:  connect,
		breaker:  opts.Breaker,
		log:      log.WithName("dbpool"),
		metrics:  opts.Metrics,
	}
}

// SessionFactory returns the factory for ep, creating its pool on first use.
// A failed creation is not cached; the next call retries.
func (c *Cache) SessionFactory(ctx context.Context, ep routing.Endpoint) (dbsession.SessionFactory, error) {
	conn, err := c.conn(ctx, ep)
	if err != nil {
		return nil, err
	}
	return &factory{cache: c, conn: conn, ep: ep}, nil
}

func (c *Cache) conn(ctx context.Context, ep routing.Endpoint) (Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if e, ok := c.entries[ep.URL]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.conn, nil
	}
	e := &entry{ready: make(chan struct{})}
	c.entries[ep.URL] = e
	c.mu.Unlock()

	c.log.V(1).Info("creating pool", "endpoint", ep.Name(), "poolSize", ep.PoolSize, "maxOverflow", ep.MaxOverflow)
	conn, err := c.connect(ctx, ep)

	c.mu.Lock()
	switch {
	case err != nil:
		e.err = fmt.Errorf("dbpool: connect %s: %w", ep.Name(), err)
		delete(c.entries, ep.URL)
	case c.closed:
		conn.Close()
		e.err = ErrCacheClosed
		delete(c.entries, ep.URL)
	default:
		e.conn = conn
	}
	c.mu.Unlock()
	close(e.ready)

	if e.err != nil {
		if err != nil {
			c.log.Error(err, "pool creation failed", "endpoint", ep.Name())
			if c.metrics != nil {
				c.metrics.RecordPoolCreateError(ep.Name())
			}
		}
		return nil, e.err
	}
	if c.metrics != nil {
		c.metrics.PoolsOpen.Inc()
	}
	return conn, nil
}

// Open opens a session on ep. With breaking enabled, repeated failures on an
// endpoint make further calls fail fast with ErrEndpointUnavailable.
func (c *Cache) Open(ctx context.Context, ep routing.Endpoint) (dbsession.Session, error) {
	br := c.breakerFor(ep)
	if br == nil {
		return c.open(ctx, ep)
	}
	s, err := br.Execute(func() (dbsession.Session, error) {
		return c.open(ctx, ep)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrEndpointUnavailable, ep.Name(), err)
	}
	return s, err
}

func (c *Cache) open(ctx context.Context, ep routing.Endpoint) (dbsession.Session, error) {
	conn, err := c.conn(ctx, ep)
	if err != nil {
		return nil, err
	}
	s, err := conn.NewSession(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("dbpool: open session on %s: %w", ep.Name(), err)
	}
	if c.metrics != nil {
		c.metrics.RecordSessionOpened(ep.Name())
	}
	return s, nil
}

func (c *Cache) breakerFor(ep routing.Endpoint) *gobreaker.CircuitBreaker[dbsession.Session] {
	if !c.breaker.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[ep.URL]; ok {
		return br
	}
	maxFailures := c.breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	name := ep.Name()
	br := gobreaker.NewCircuitBreaker[dbsession.Session](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     c.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.log.Info("circuit breaker state change", "endpoint", name, "from", from.String(), "to", to.String())
			if c.metrics != nil {
				c.metrics.RecordBreakerState(name, to.String())
			}
		},
	})
	c.breakers[ep.URL] = br
	return br
}

// Len returns the number of live pools.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.conn != nil {
			n++
		}
	}
	return n
}

// Close shuts every pool down. Later calls fail with ErrCacheClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var conns []Conn
	for url, e := range c.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
			delete(c.entries, url)
		}
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
		if c.metrics != nil {
			c.metrics.PoolsOpen.Dec()
		}
	}
	c.log.Info("connection pools closed", "count", len(conns))
}

// factory binds a pool to the endpoint it was requested for, so sessions
// report the caller's role even when endpoints share a URL.
type factory struct {
	cache *Cache
	conn  Conn
	ep    routing.Endpoint
}

func (f *factory) Endpoint() routing.Endpoint { return f.ep }

func (f *factory) NewSession(ctx context.Context) (dbsession.Session, error) {
	s, err := f.conn.NewSession(ctx, f.ep)
	if err != nil {
		return nil, fmt.Errorf("dbpool: open session on %s: %w", f.ep.Name(), err)
	}
	if f.cache.metrics != nil {
		f.cache.metrics.RecordSessionOpened(f.ep.Name())
	}
	return s, nil
}
