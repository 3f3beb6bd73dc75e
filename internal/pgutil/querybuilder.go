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

// Package pgutil provides shared PostgreSQL helpers: a parameterized query
// builder, identifier quoting and statement builders for row-oriented access
// to arbitrary tables.
package pgutil

import (
	"fmt"
	"strconv"
	"strings"
)

// Comparison operators accepted by QueryBuilder.Compare.
const (
	OpEq  = "="
	OpNe  = "<>"
	OpLt  = "<"
	OpLte = "<="
	OpGt  = ">"
	OpGte = ">="
	// OpIn matches any element of a slice argument.
	OpIn = "IN"
)

// QueryBuilder accumulates parameterized WHERE clauses and their arguments.
// Use "$?" as a placeholder in clause strings; it is replaced with the
// positional parameter number (e.g. "$1", "$2") when Add is called.
type QueryBuilder struct {
	clauses []string
	args    []any
}

// Args returns the accumulated query arguments.
func (qb *QueryBuilder) Args() []any {
	return qb.args
}

// SetArgs replaces the internal argument slice so numbering continues after
// arguments already bound by a preceding statement part (e.g. INSERT values).
func (qb *QueryBuilder) SetArgs(args []any) {
	qb.args = args
}

// Bind appends arg and returns its positional placeholder.
func (qb *QueryBuilder) Bind(arg any) string {
	qb.args = append(qb.args, arg)
	return "$" + strconv.Itoa(len(qb.args))
}

// Add appends a clause with a single argument. Every "$?" in clause is
// replaced with the next positional parameter number.
func (qb *QueryBuilder) Add(clause string, arg any) {
	qb.clauses = append(qb.clauses, strings.ReplaceAll(clause, "$?", qb.Bind(arg)))
}

// Compare appends "column op $n". The column is quoted; op must be one of
// the Op constants.
func (qb *QueryBuilder) Compare(column, op string, arg any) error {
	col := QuoteIdent(column)
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		qb.Add(col+" "+op+" $?", arg)
	case OpIn:
		qb.Add(col+" = ANY($?)", arg)
	default:
		return fmt.Errorf("pgutil: unsupported operator %q", op)
	}
	return nil
}

// Len returns the number of clauses added so far.
func (qb *QueryBuilder) Len() int {
	return len(qb.clauses)
}

// Where returns " WHERE " followed by the accumulated clauses joined with
// " AND ". If no clauses have been added, it returns an empty string.
func (qb *QueryBuilder) Where() string {
	if len(qb.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.clauses, " AND ")
}

// AppendPagination appends LIMIT and OFFSET clauses to query when the
// respective values are greater than zero. Arguments are tracked internally.
func (qb *QueryBuilder) AppendPagination(query string, limit, offset int) string {
	if limit > 0 {
		query += " LIMIT " + qb.Bind(limit)
	}
	if offset > 0 {
		query += " OFFSET " + qb.Bind(offset)
	}
	return query
}
