/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

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

package pgutil

import (
	"errors"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// QuoteIdent quotes a possibly schema-qualified identifier ("audit.logs"
// becomes "audit"."logs").
func QuoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// QuoteIdents quotes each name and joins them with ", ".
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// SortedKeys returns the keys of m in lexical order, giving generated SQL a
// stable column order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InsertOptions modifies generated INSERT statements.
type InsertOptions struct {
	// IgnoreConflicts appends ON CONFLICT DO NOTHING.
	IgnoreConflicts bool
}

// BuildInsert returns an INSERT of values into table and its arguments.
func BuildInsert(table string, values map[string]any, opts InsertOptions) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, errors.New("pgutil: insert without values")
	}
	cols := SortedKeys(values)
	var qb QueryBuilder
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = qb.Bind(values[c])
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(QuoteIdent(table))
	sb.WriteString(" (")
	sb.WriteString(QuoteIdents(cols))
	sb.WriteString(") VALUES (")
	sb.WriteString(strings.Join(placeholders, ", "))
	sb.WriteString(")")
	if opts.IgnoreConflicts {
		sb.WriteString(" ON CONFLICT DO NOTHING")
	}
	return sb.String(), qb.Args(), nil
}

// BuildDeleteEq returns a DELETE from table of the rows whose columns equal
// every entry of match. An empty match is rejected so a missing key can never
// turn into an unbounded delete.
func BuildDeleteEq(table string, match map[string]any) (string, []any, error) {
	if len(match) == 0 {
		return "", nil, errors.New("pgutil: delete without match columns")
	}
	var qb QueryBuilder
	for _, c := range SortedKeys(match) {
		if err := qb.Compare(c, OpEq, match[c]); err != nil {
			return "", nil, err
		}
	}
	return "DELETE FROM " + QuoteIdent(table) + qb.Where(), qb.Args(), nil
}

// BuildSelect returns "SELECT * FROM table" with the builder's WHERE clause,
// an optional ORDER BY and pagination.
func BuildSelect(table string, qb *QueryBuilder, orderBy []string, limit, offset int) string {
	query := "SELECT * FROM " + QuoteIdent(table) + qb.Where()
	if len(orderBy) > 0 {
		query += " ORDER BY " + QuoteIdents(orderBy)
	}
	return qb.AppendPagination(query, limit, offset)
}
