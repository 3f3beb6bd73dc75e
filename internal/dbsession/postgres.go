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

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"

	"github.com/altairalabs/mailroute/internal/pgutil"
	"github.com/altairalabs/mailroute/internal/routing"
)

// Beginner starts transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxSession is a Session over a pgx transaction.
type PgxSession struct {
	ep     routing.Endpoint
	db     Beginner
	tx     pgx.Tx
	closed bool
	log    logr.Logger
}

// Compile-time interface check.
var _ Session = (*PgxSession)(nil)

// NewPgxSession opens a session on db and begins its first transaction.
func NewPgxSession(ctx context.Context, db Beginner, ep routing.Endpoint, log logr.Logger) (*PgxSession, error) {
	s := &PgxSession{ep: ep, db: db, log: log}
	if _, err := s.txn(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Endpoint returns the endpoint the session is bound to.
func (s *PgxSession) Endpoint() routing.Endpoint { return s.ep }

func (s *PgxSession) txn(ctx context.Context) (pgx.Tx, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx on %s: %w", s.ep.Name(), err)
	}
	s.tx = tx
	return tx, nil
}

// Find runs q inside the session's transaction.
func (s *PgxSession) Find(ctx context.Context, q Query) ([]Row, error) {
	qb := &pgutil.QueryBuilder{}
	for _, f := range q.Filters {
		if err := qb.Compare(f.Column, string(f.Op), f.Value); err != nil {
			return nil, err
		}
	}
	sql := pgutil.BuildSelect(q.Table, qb, q.OrderBy, q.Limit, 0)
	return s.Raw(ctx, sql, qb.Args()...)
}

// Insert writes row into table.
func (s *PgxSession) Insert(ctx context.Context, table string, row Row, opts ...InsertOption) (int64, error) {
	o := applyInsertOptions(opts)
	sql, args, err := pgutil.BuildInsert(table, row, pgutil.InsertOptions{IgnoreConflicts: o.ignoreConflicts})
	if err != nil {
		return 0, err
	}
	return s.Exec(ctx, sql, args...)
}

// Delete removes the rows of table matching every column of match.
func (s *PgxSession) Delete(ctx context.Context, table string, match Row) (int64, error) {
	if len(match) == 0 {
		return 0, ErrNoMatch
	}
	sql, args, err := pgutil.BuildDeleteEq(table, match)
	if err != nil {
		return 0, err
	}
	return s.Exec(ctx, sql, args...)
}

// Exec runs sql and returns the number of affected rows.
func (s *PgxSession) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tx, err := s.txn(ctx)
	if err != nil {
		return 0, err
	}
	s.log.V(2).Info("exec", "endpoint", s.ep.Name(), "sql", sql)
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: exec on %s: %w", s.ep.Name(), err)
	}
	return tag.RowsAffected(), nil
}

// Raw runs sql and collects every row into a column map.
func (s *PgxSession) Raw(ctx context.Context, sql string, args ...any) ([]Row, error) {
	tx, err := s.txn(ctx)
	if err != nil {
		return nil, err
	}
	s.log.V(2).Info("query", "endpoint", s.ep.Name(), "sql", sql)
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query on %s: %w", s.ep.Name(), err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("postgres: iterate rows on %s: %w", s.ep.Name(), err)
	}
	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out, nil
}

// Commit commits the open transaction, if any.
func (s *PgxSession) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit on %s: %w", s.ep.Name(), err)
	}
	return nil
}

// Rollback discards the open transaction, if any.
func (s *PgxSession) Rollback(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.rollback(ctx)
}

func (s *PgxSession) rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback on %s: %w", s.ep.Name(), err)
	}
	return nil
}

// Close rolls back any open transaction and marks the session closed.
func (s *PgxSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	err := s.rollback(ctx)
	s.closed = true
	return err
}
