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

// Package pgtest starts a throwaway PostgreSQL container for integration
// tests and hands out isolated databases inside it.
package pgtest

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/altairalabs/mailroute/internal/pgutil"
)

var dbSeq atomic.Int64

// Main runs a package's tests with a PostgreSQL container available. In
// -short mode no container is started and *connStr stays empty. Use it from
// TestMain:
//
//	func TestMain(m *testing.M) { os.Exit(pgtest.Main(m, &testConnStr)) }
func Main(m *testing.M, connStr *string) int {
	flag.Parse()

	if testing.Short() {
		return m.Run()
	}

	s, terminate, err := Start(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer terminate()
	*connStr = s

	return m.Run()
}

// SkipIfShort skips integration tests in -short mode.
func SkipIfShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// Start launches a postgres container and returns its connection string and
// a terminate function.
func Start(ctx context.Context) (string, func(), error) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mailroute_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, fmt.Errorf("starting postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, fmt.Errorf("getting connection string: %w", err)
	}

	terminate := func() {
		if err := container.Terminate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
		}
	}
	return connStr, terminate, nil
}

// FreshDB creates an isolated database next to base and returns its
// connection string. The database is dropped when the test ends.
func FreshDB(t testing.TB, base string) string {
	t.Helper()
	ctx := context.Background()

	dbName := fmt.Sprintf("test_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))
	exec(t, ctx, base, "CREATE DATABASE "+pgutil.QuoteIdent(dbName))

	t.Cleanup(func() {
		conn, err := pgx.Connect(ctx, base)
		if err == nil {
			_, _ = conn.Exec(ctx, "DROP DATABASE "+pgutil.QuoteIdent(dbName)+" WITH (FORCE)")
			_ = conn.Close(ctx)
		}
	})
	return ReplaceDBName(base, dbName)
}

// Exec runs sql on the database at connStr.
func Exec(t testing.TB, connStr, sql string, args ...any) {
	t.Helper()
	exec(t, context.Background(), connStr, sql, args...)
}

func exec(t testing.TB, ctx context.Context, connStr, sql string, args ...any) {
	t.Helper()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("pgtest: connect: %v", err)
	}
	defer func() { _ = conn.Close(ctx) }()
	if _, err := conn.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("pgtest: exec %q: %v", sql, err)
	}
}

// ReplaceDBName swaps the database name of a postgres URL.
func ReplaceDBName(connStr, newDB string) string {
	qIdx := strings.IndexByte(connStr, '?')
	if qIdx < 0 {
		qIdx = len(connStr)
	}
	slashIdx := strings.LastIndexByte(connStr[:qIdx], '/')
	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}
