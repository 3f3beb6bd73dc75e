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

package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/altairalabs/mailroute/internal/dbsession"
	"github.com/altairalabs/mailroute/internal/pgutil"
	"github.com/altairalabs/mailroute/internal/routing"
)

// ErrNoPrimaryKey is returned for tables that cannot be archived because rows
// could not be matched for deletion.
var ErrNoPrimaryKey = errors.New("archive: table has no primary key")

// Column describes one column of a mirrored table.
type Column struct {
	Name    string
	Type    string
	NotNull bool
}

// TableSchema is the structure of a primary-store table as reflected for the
// archive mirror.
type TableSchema struct {
	Table      string
	Columns    []Column
	PrimaryKey []string
}

// CreateStatement renders the archive-side DDL. Defaults, sequences and
// secondary indexes are not carried over.
func (s TableSchema) CreateStatement() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgutil.QuoteIdent(s.Table))
	b.WriteString(" (")
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgutil.QuoteIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(c.Type)
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
	}
	if len(s.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(pgutil.QuoteIdents(s.PrimaryKey))
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

// Mirror makes sure the archive store has a table matching the primary one.
type Mirror interface {
	// EnsureTable creates the archive table if absent and returns the
	// primary table's structure.
	EnsureTable(ctx context.Context, table string) (TableSchema, error)
}

const (
	columnsQuery = `
		SELECT a.attname::text AS name,
			format_type(a.atttypid, a.atttypmod) AS type,
			a.attnotnull AS not_null
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1)
			AND a.attnum > 0
			AND NOT a.attisdropped
		ORDER BY a.attnum`

	primaryKeyQuery = `
		SELECT a.attname::text AS name
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = to_regclass($1)
			AND i.indisprimary
		ORDER BY array_position(i.indkey::int2[], a.attnum)`
)

// PostgresMirror reflects tables through the Postgres catalog.
type PostgresMirror struct {
	opener  dbsession.Opener
	primary routing.Endpoint
	archive routing.Endpoint
}

// Compile-time interface check.
var _ Mirror = (*PostgresMirror)(nil)

// NewPostgresMirror creates a mirror between the registry's primary and
// archive stores.
func NewPostgresMirror(opener dbsession.Opener, reg *routing.Registry) (*PostgresMirror, error) {
	archive, err := reg.Archive()
	if err != nil {
		return nil, err
	}
	return &PostgresMirror{opener: opener, primary: reg.Primary(), archive: archive}, nil
}

// EnsureTable reflects table on the primary and creates it on the archive.
func (m *PostgresMirror) EnsureTable(ctx context.Context, table string) (TableSchema, error) {
	var schema TableSchema
	err := dbsession.WithSession(ctx, m.opener, m.primary, func(s dbsession.Session) error {
		var err error
		schema, err = reflectTable(ctx, s, table)
		return err
	})
	if err != nil {
		return TableSchema{}, err
	}

	err = dbsession.WithSession(ctx, m.opener, m.archive, func(s dbsession.Session) error {
		_, err := s.Exec(ctx, schema.CreateStatement())
		return err
	})
	if err != nil {
		return TableSchema{}, fmt.Errorf("archive: creating mirror of %q: %w", table, err)
	}
	return schema, nil
}

func reflectTable(ctx context.Context, s dbsession.Session, table string) (TableSchema, error) {
	cols, err := s.Raw(ctx, columnsQuery, table)
	if err != nil {
		return TableSchema{}, fmt.Errorf("archive: reflecting columns of %q: %w", table, err)
	}
	if len(cols) == 0 {
		return TableSchema{}, fmt.Errorf("archive: table %q not found on primary", table)
	}
	schema := TableSchema{Table: table, Columns: make([]Column, 0, len(cols))}
	for _, c := range cols {
		name, _ := c["name"].(string)
		typ, _ := c["type"].(string)
		notNull, _ := c["not_null"].(bool)
		schema.Columns = append(schema.Columns, Column{Name: name, Type: typ, NotNull: notNull})
	}

	pk, err := s.Raw(ctx, primaryKeyQuery, table)
	if err != nil {
		return TableSchema{}, fmt.Errorf("archive: reflecting primary key of %q: %w", table, err)
	}
	for _, r := range pk {
		name, _ := r["name"].(string)
		schema.PrimaryKey = append(schema.PrimaryKey, name)
	}
	if len(schema.PrimaryKey) == 0 {
		return TableSchema{}, fmt.Errorf("%w: %q", ErrNoPrimaryKey, table)
	}
	return schema, nil
}

// MemoryMirror mirrors tables between two in-memory stores.
type MemoryMirror struct {
	Primary *dbsession.MemoryStore
	Archive *dbsession.MemoryStore
}

// Compile-time interface check.
var _ Mirror = (*MemoryMirror)(nil)

// EnsureTable copies the primary key definition of table to the archive store.
func (m *MemoryMirror) EnsureTable(_ context.Context, table string) (TableSchema, error) {
	pk, ok := m.Primary.PrimaryKey(table)
	if !ok {
		return TableSchema{}, fmt.Errorf("archive: table %q not found on primary", table)
	}
	if len(pk) == 0 {
		return TableSchema{}, fmt.Errorf("%w: %q", ErrNoPrimaryKey, table)
	}
	m.Archive.CreateTable(table, pk...)
	return TableSchema{Table: table, PrimaryKey: pk}, nil
}
