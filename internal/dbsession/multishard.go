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

package dbsession

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/altairalabs/mailroute/internal/routing"
)

// TargetError is the failure of one session inside a multi-session operation.
type TargetError struct {
	Endpoint routing.Endpoint
	Err      error
}

func (e *TargetError) Error() string {
	return e.Endpoint.Name() + ": " + e.Err.Error()
}

func (e *TargetError) Unwrap() error { return e.Err }

// MultiError reports every session that failed during a Commit, Rollback or
// Close of a MultiShardSession. Sessions not listed succeeded.
type MultiError struct {
	Op     string
	Errors []*TargetError
}

func (e *MultiError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, te := range e.Errors {
		parts[i] = te.Error()
	}
	return fmt.Sprintf("dbsession: %s failed on %d session(s): %s", e.Op, len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes the per-target errors to errors.Is and errors.As.
func (e *MultiError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, te := range e.Errors {
		out[i] = te
	}
	return out
}

// Failed returns the endpoints whose sessions failed.
func (e *MultiError) Failed() []routing.Endpoint {
	out := make([]routing.Endpoint, len(e.Errors))
	for i, te := range e.Errors {
		out[i] = te.Endpoint
	}
	return out
}

// MultiShardSession holds a primary session and lazily opened shard sessions.
// Commit and Rollback are best effort across sessions and are not atomic:
// a failure on one shard does not undo commits already made on others.
type MultiShardSession struct {
	reg     *routing.Registry
	opener  Opener
	log     logr.Logger
	primary Session
	shards  map[int]Session
	// order records shard indexes in creation order.
	order  []int
	closed bool
}

// MultiShardOption configures a MultiShardSession.
type MultiShardOption func(*MultiShardSession)

// WithLogger sets the logger used to report partial failures.
func WithLogger(log logr.Logger) MultiShardOption {
	return func(m *MultiShardSession) { m.log = log }
}

// NewMultiShardSession opens the primary session. Shard sessions open on
// first use.
func NewMultiShardSession(ctx context.Context, reg *routing.Registry, opener Opener, opts ...MultiShardOption) (*MultiShardSession, error) {
	m := &MultiShardSession{
		reg:    reg,
		opener: opener,
		log:    logr.Discard(),
		shards: make(map[int]Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	primary, err := opener.Open(ctx, reg.Primary())
	if err != nil {
		return nil, fmt.Errorf("dbsession: open primary: %w", err)
	}
	m.primary = primary
	return m, nil
}

// Primary returns the primary session.
func (m *MultiShardSession) Primary() Session { return m.primary }

// Shard returns the session for shard i, opening it on first use.
func (m *MultiShardSession) Shard(ctx context.Context, i int) (Session, error) {
	if m.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := m.shards[i]; ok {
		return s, nil
	}
	ep, err := m.reg.Shard(i)
	if err != nil {
		return nil, err
	}
	s, err := m.opener.Open(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("dbsession: open %s: %w", ep.Name(), err)
	}
	m.shards[i] = s
	m.order = append(m.order, i)
	return s, nil
}

// ShardFor returns the session of the shard owning key.
func (m *MultiShardSession) ShardFor(ctx context.Context, key routing.ShardKey) (Session, error) {
	if !key.Present() {
		return nil, routing.ErrMissingShardKey
	}
	if m.reg.NumShards() == 0 {
		return nil, errors.New("dbsession: no shards configured")
	}
	return m.Shard(ctx, m.reg.Assigner().Assign(key))
}

// QueryByShardKey queries table on the shard owning key. Tables that are not
// sharded are read from the primary and key is ignored.
func (m *MultiShardSession) QueryByShardKey(ctx context.Context, table string, key routing.ShardKey, filters ...Filter) ([]Row, error) {
	if m.closed {
		return nil, ErrSessionClosed
	}
	if !m.reg.IsSharded(table) {
		return m.primary.Find(ctx, Query{Table: table, Filters: filters})
	}
	s, err := m.ShardFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, Query{Table: table, Filters: filters})
}

// QueryAllShards runs the same query on every shard in index order and
// concatenates the results. Rows are neither deduplicated nor re-sorted.
// Tables that are not sharded are read from the primary only.
func (m *MultiShardSession) QueryAllShards(ctx context.Context, table string, filters ...Filter) ([]Row, error) {
	if m.closed {
		return nil, ErrSessionClosed
	}
	if !m.reg.IsSharded(table) {
		return m.primary.Find(ctx, Query{Table: table, Filters: filters})
	}
	var out []Row
	for i := 0; i < m.reg.NumShards(); i++ {
		s, err := m.Shard(ctx, i)
		if err != nil {
			return nil, err
		}
		rows, err := s.Find(ctx, Query{Table: table, Filters: filters})
		if err != nil {
			return nil, fmt.Errorf("dbsession: query shard-%d: %w", i, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// sessionFor picks the primary for non-sharded tables and the record's shard
// otherwise.
func (m *MultiShardSession) sessionFor(ctx context.Context, rec Record) (Session, error) {
	if m.closed {
		return nil, ErrSessionClosed
	}
	if !m.reg.IsSharded(rec.TableName()) {
		return m.primary, nil
	}
	keyed, ok := rec.(ShardKeyed)
	if !ok {
		return nil, fmt.Errorf("dbsession: %s record: %w", rec.TableName(), routing.ErrMissingShardKey)
	}
	return m.ShardFor(ctx, keyed.ShardKeyOf())
}

// Add stages rec for insertion on its target session.
func (m *MultiShardSession) Add(ctx context.Context, rec Record) error {
	s, err := m.sessionFor(ctx, rec)
	if err != nil {
		return err
	}
	_, err = s.Insert(ctx, rec.TableName(), rec.Values())
	return err
}

// Delete stages deletion of rec on its target session.
func (m *MultiShardSession) Delete(ctx context.Context, rec Record) error {
	s, err := m.sessionFor(ctx, rec)
	if err != nil {
		return err
	}
	_, err = s.Delete(ctx, rec.TableName(), rec.PrimaryKey())
	return err
}

// each applies op to the primary and then every shard session in creation
// order, collecting failures.
func (m *MultiShardSession) each(name string, op func(Session) error) error {
	var failed []*TargetError
	run := func(s Session) {
		if err := op(s); err != nil {
			failed = append(failed, &TargetError{Endpoint: s.Endpoint(), Err: err})
		}
	}
	run(m.primary)
	for _, i := range m.order {
		run(m.shards[i])
	}
	if len(failed) == 0 {
		return nil
	}
	merr := &MultiError{Op: name, Errors: failed}
	m.log.Error(merr, "multi-shard operation partially failed", "op", name, "failed", len(failed), "sessions", 1+len(m.order))
	return merr
}

// Commit commits every session, primary first. All sessions are attempted
// even after a failure.
func (m *MultiShardSession) Commit(ctx context.Context) error {
	if m.closed {
		return ErrSessionClosed
	}
	return m.each("commit", func(s Session) error { return s.Commit(ctx) })
}

// Rollback rolls back every session, primary first.
func (m *MultiShardSession) Rollback(ctx context.Context) error {
	if m.closed {
		return ErrSessionClosed
	}
	return m.each("rollback", func(s Session) error { return s.Rollback(ctx) })
}

// Close closes every session. It is idempotent.
func (m *MultiShardSession) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.each("close", func(s Session) error { return s.Close(ctx) })
}

// WithMultiShard runs fn with a MultiShardSession, committing every session on
// success and rolling every session back on error or panic. All sessions are
// closed on every path.
func WithMultiShard(ctx context.Context, reg *routing.Registry, opener Opener, fn func(*MultiShardSession) error, opts ...MultiShardOption) (err error) {
	m, err := NewMultiShardSession(ctx, reg, opener, opts...)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if p := recover(); p != nil {
			_ = m.Rollback(ctx)
			_ = m.Close(ctx)
			panic(p)
		}
		if !committed {
			if rbErr := m.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
		if closeErr := m.Close(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	if err = fn(m); err != nil {
		return err
	}
	if err = m.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
