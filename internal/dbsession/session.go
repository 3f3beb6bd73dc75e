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

// Package dbsession provides unit-of-work sessions bound to one routed
// endpoint, a scoped helper that commits or rolls back and always releases,
// and a multi-shard session that fans work out across the shard set.
package dbsession

import (
	"context"
	"errors"

	"github.com/altairalabs/mailroute/internal/pgutil"
	"github.com/altairalabs/mailroute/internal/routing"
)

var (
	// ErrSessionClosed is returned by any operation on a closed session.
	ErrSessionClosed = errors.New("dbsession: session closed")
	// ErrNoMatch is returned by Delete when no match columns are given.
	ErrNoMatch = errors.New("dbsession: delete requires at least one match column")
	// ErrUnsupported is returned by backends that cannot run raw SQL.
	ErrUnsupported = errors.New("dbsession: operation not supported by backend")
)

// Row is one table row keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = pgutil.OpEq
	OpNe  Op = pgutil.OpNe
	OpLt  Op = pgutil.OpLt
	OpLte Op = pgutil.OpLte
	OpGt  Op = pgutil.OpGt
	OpGte Op = pgutil.OpGte
	// OpIn matches when the column equals any element of a slice value.
	OpIn Op = pgutil.OpIn
)

// Filter restricts a query to rows where Column Op Value holds.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq returns an equality filter.
func Eq(column string, v any) Filter { return Filter{Column: column, Op: OpEq, Value: v} }

// Lt returns a less-than filter.
func Lt(column string, v any) Filter { return Filter{Column: column, Op: OpLt, Value: v} }

// Gte returns a greater-or-equal filter.
func Gte(column string, v any) Filter { return Filter{Column: column, Op: OpGte, Value: v} }

// In returns a membership filter. values must be a slice.
func In(column string, values any) Filter { return Filter{Column: column, Op: OpIn, Value: values} }

// Query selects rows of one table. Rows are ordered ascending by OrderBy;
// Limit <= 0 means unbounded.
type Query struct {
	Table   string
	Filters []Filter
	OrderBy []string
	Limit   int
}

type insertOptions struct {
	ignoreConflicts bool
}

// InsertOption modifies a single Insert call.
type InsertOption func(*insertOptions)

// IgnoreConflicts makes Insert skip rows whose key already exists. The
// skipped row reports zero rows affected.
func IgnoreConflicts() InsertOption {
	return func(o *insertOptions) { o.ignoreConflicts = true }
}

func applyInsertOptions(opts []InsertOption) insertOptions {
	var o insertOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Session is a unit of work bound to exactly one endpoint. Work is staged in
// an open transaction until Commit or Rollback; the next operation after
// either starts a new transaction. A Session is not safe for concurrent use.
type Session interface {
	// Endpoint returns the endpoint the session is bound to.
	Endpoint() routing.Endpoint
	// Find returns the rows matching q.
	Find(ctx context.Context, q Query) ([]Row, error)
	// Insert stages row into table and returns the number of rows written.
	Insert(ctx context.Context, table string, row Row, opts ...InsertOption) (int64, error)
	// Delete stages deletion of the rows whose columns equal every entry of
	// match and returns the number of rows removed.
	Delete(ctx context.Context, table string, match Row) (int64, error)
	// Exec runs a statement and returns the number of rows affected.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Raw runs a query and returns its rows.
	Raw(ctx context.Context, sql string, args ...any) ([]Row, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close discards uncommitted work and releases the connection. It is
	// idempotent.
	Close(ctx context.Context) error
}

// Opener opens sessions against endpoints.
type Opener interface {
	Open(ctx context.Context, ep routing.Endpoint) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, ep routing.Endpoint) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, ep routing.Endpoint) (Session, error) {
	return f(ctx, ep)
}

// SessionFactory produces sessions for a single endpoint.
type SessionFactory interface {
	Endpoint() routing.Endpoint
	NewSession(ctx context.Context) (Session, error)
}
