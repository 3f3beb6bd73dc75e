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
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/altairalabs/mailroute/internal/routing"
)

// Operation names accepted by MemoryStore.FailNext.
const (
	MemOpFind   = "find"
	MemOpInsert = "insert"
	MemOpDelete = "delete"
	MemOpCommit = "commit"
)

type memTable struct {
	pk   []string
	rows []Row
}

// MemoryStore is an in-memory database standing in for one endpoint. Writes
// made through a session become visible to other sessions on Commit. It is
// thread-safe and suitable for testing and single-instance development.
type MemoryStore struct {
	mu       sync.RWMutex
	tables   map[string]*memTable
	failures map[string][]error
	commits  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   make(map[string]*memTable),
		failures: make(map[string][]error),
	}
}

// CreateTable creates table with the given primary key columns if it does
// not exist.
func (m *MemoryStore) CreateTable(table string, pk ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; ok {
		return
	}
	m.tables[table] = &memTable{pk: append([]string(nil), pk...)}
}

// HasTable reports whether table exists.
func (m *MemoryStore) HasTable(table string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[table]
	return ok
}

// PrimaryKey returns the primary key columns of table.
func (m *MemoryStore) PrimaryKey(table string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.pk...), true
}

// Rows returns a copy of the committed rows of table.
func (m *MemoryStore) Rows(table string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	return copyRows(t.rows)
}

// Seed inserts committed rows directly, bypassing sessions.
func (m *MemoryStore) Seed(table string, rows ...Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("memory: relation %q does not exist", table)
	}
	for _, r := range rows {
		t.rows = append(t.rows, r.Clone())
	}
	return nil
}

// Commits returns the number of successful commits that changed data.
func (m *MemoryStore) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// FailNext makes the next call of op on any session of this store return err.
// Calls queue in order.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

func (m *MemoryStore) takeFailure(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.failures[op]
	if len(q) == 0 {
		return nil
	}
	m.failures[op] = q[1:]
	return q[0]
}

// NewSession opens a session on the store bound to ep.
func (m *MemoryStore) NewSession(ep routing.Endpoint) *MemorySession {
	return &MemorySession{store: m, ep: ep}
}

type memOpKind int

const (
	memInsert memOpKind = iota
	memDelete
)

type memOp struct {
	kind  memOpKind
	table string
	row   Row
}

// MemorySession is a Session over a MemoryStore. Pending writes are kept as
// an operation log and replayed onto the store on Commit.
type MemorySession struct {
	store   *MemoryStore
	ep      routing.Endpoint
	pending []memOp
	closed  bool
}

// Compile-time interface check.
var _ Session = (*MemorySession)(nil)

// Endpoint returns the endpoint the session is bound to.
func (s *MemorySession) Endpoint() routing.Endpoint { return s.ep }

// view returns the committed rows of table with this session's pending ops
// applied. Callers hold no store lock.
func (s *MemorySession) view(table string) (*memTable, []Row, error) {
	s.store.mu.RLock()
	t, ok := s.store.tables[table]
	var rows []Row
	if ok {
		rows = copyRows(t.rows)
	}
	s.store.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("memory: relation %q does not exist", table)
	}
	for _, op := range s.pending {
		if op.table != table {
			continue
		}
		rows = applyOp(rows, op)
	}
	return t, rows, nil
}

func applyOp(rows []Row, op memOp) []Row {
	switch op.kind {
	case memInsert:
		return append(rows, op.row.Clone())
	case memDelete:
		kept := rows[:0]
		for _, r := range rows {
			if !rowMatches(r, op.row) {
				kept = append(kept, r)
			}
		}
		return kept
	}
	return rows
}

// Find returns rows of q.Table matching every filter.
func (s *MemorySession) Find(ctx context.Context, q Query) ([]Row, error) {
	if err := s.check(ctx, MemOpFind); err != nil {
		return nil, err
	}
	_, rows, err := s.view(q.Table)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		ok, err := filtersMatch(r, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, col := range q.OrderBy {
				c, _ := compareValues(out[i][col], out[j][col])
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert stages row. A row whose primary key already exists is an error
// unless IgnoreConflicts is given, in which case it is skipped.
func (s *MemorySession) Insert(ctx context.Context, table string, row Row, opts ...InsertOption) (int64, error) {
	if err := s.check(ctx, MemOpInsert); err != nil {
		return 0, err
	}
	o := applyInsertOptions(opts)
	t, rows, err := s.view(table)
	if err != nil {
		return 0, err
	}
	if len(t.pk) > 0 {
		key := make(Row, len(t.pk))
		for _, c := range t.pk {
			key[c] = row[c]
		}
		for _, r := range rows {
			if rowMatches(r, key) {
				if o.ignoreConflicts {
					return 0, nil
				}
				return 0, fmt.Errorf("memory: duplicate key in %q: %v", table, key)
			}
		}
	}
	s.pending = append(s.pending, memOp{kind: memInsert, table: table, row: row.Clone()})
	return 1, nil
}

// Delete stages deletion of rows matching every column of match.
func (s *MemorySession) Delete(ctx context.Context, table string, match Row) (int64, error) {
	if len(match) == 0 {
		return 0, ErrNoMatch
	}
	if err := s.check(ctx, MemOpDelete); err != nil {
		return 0, err
	}
	_, rows, err := s.view(table)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		if rowMatches(r, match) {
			n++
		}
	}
	s.pending = append(s.pending, memOp{kind: memDelete, table: table, row: match.Clone()})
	return n, nil
}

// Exec is not supported by the memory backend.
func (s *MemorySession) Exec(context.Context, string, ...any) (int64, error) {
	return 0, ErrUnsupported
}

// Raw is not supported by the memory backend.
func (s *MemorySession) Raw(context.Context, string, ...any) ([]Row, error) {
	return nil, ErrUnsupported
}

// Commit replays pending writes onto the store atomically. A failed commit
// discards them.
func (s *MemorySession) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	pending := s.pending
	s.pending = nil
	if err := s.store.takeFailure(MemOpCommit); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, op := range pending {
		t, ok := s.store.tables[op.table]
		if !ok {
			continue
		}
		t.rows = applyOp(t.rows, op)
	}
	s.store.commits++
	return nil
}

// Rollback discards pending writes.
func (s *MemorySession) Rollback(context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.pending = nil
	return nil
}

// Close discards pending writes and marks the session closed.
func (s *MemorySession) Close(context.Context) error {
	s.pending = nil
	s.closed = true
	return nil
}

func (s *MemorySession) check(ctx context.Context, op string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.takeFailure(op)
}

// MemoryOpener opens sessions on one MemoryStore per endpoint URL.
type MemoryOpener struct {
	mu      sync.Mutex
	stores  map[string]*MemoryStore
	openErr map[string]error
	opened  map[string]int
}

// Compile-time interface check.
var _ Opener = (*MemoryOpener)(nil)

// NewMemoryOpener creates an opener with no stores.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{
		stores:  make(map[string]*MemoryStore),
		openErr: make(map[string]error),
		opened:  make(map[string]int),
	}
}

// Store returns the store for url, creating it if needed.
func (o *MemoryOpener) Store(url string) *MemoryStore {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stores[url]
	if !ok {
		s = NewMemoryStore()
		o.stores[url] = s
	}
	return s
}

// FailOpen makes every Open of url fail with err until cleared with nil.
func (o *MemoryOpener) FailOpen(url string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.openErr, url)
		return
	}
	o.openErr[url] = err
}

// Opened returns how many sessions were opened against url.
func (o *MemoryOpener) Opened(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[url]
}

// Open returns a session on the store of ep.URL.
func (o *MemoryOpener) Open(ctx context.Context, ep routing.Endpoint) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	err := o.openErr[ep.URL]
	if err == nil {
		o.opened[ep.URL]++
	}
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return o.Store(ep.URL).NewSession(ep), nil
}

func copyRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func rowMatches(r, match Row) bool {
	for c, want := range match {
		got, ok := r[c]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func filtersMatch(r Row, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := filterMatches(r[f.Column], f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func filterMatches(v any, f Filter) (bool, error) {
	if f.Op == OpIn {
		rv := reflect.ValueOf(f.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false, fmt.Errorf("memory: IN filter on %q needs a slice, got %T", f.Column, f.Value)
		}
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(v, rv.Index(i).Interface()) {
				return true, nil
			}
		}
		return false, nil
	}
	if f.Op == OpEq {
		return valuesEqual(v, f.Value), nil
	}
	if f.Op == OpNe {
		return !valuesEqual(v, f.Value), nil
	}
	c, ok := compareValues(v, f.Value)
	if !ok {
		return false, fmt.Errorf("memory: cannot compare %T with %T on %q", v, f.Value, f.Column)
	}
	switch f.Op {
	case OpLt:
		return c < 0, nil
	case OpLte:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	}
	return false, fmt.Errorf("memory: unsupported operator %q", f.Op)
}

func valuesEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders integers, floats, strings and times. ok is false for
// any other combination.
func compareValues(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		}
		return 0, true
	}
	fa, ok := toFloat(a)
	if !ok {
		return 0, false
	}
	fb, ok := toFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
