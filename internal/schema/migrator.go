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

// Package schema owns the canonical mail tables (users, campaigns, emails,
// email_events, audit_logs) used by local runs and integration tests.
// Production DDL is managed outside this module and the archiver never
// depends on it: archive tables are mirrored from the live catalog.
package schema

import (
	"embed"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the postgres:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationFS holds the mail schema migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// Step numbers of the embedded migrations.
const (
	VersionAccounts   uint = 1 // users, campaigns
	VersionMailTables uint = 2 // emails, email_events, audit_logs
	LatestVersion          = VersionMailTables
)

// Migrator applies the embedded mail schema to one database.
type Migrator struct {
	m   *migrate.Migrate
	log logr.Logger
}

// NewMigrator opens a migrator for the database at connString.
func NewMigrator(connString string, log logr.Logger) (*Migrator, error) {
	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("schema: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return nil, fmt.Errorf("schema: open database: %w", err)
	}
	return &Migrator{m: m, log: log.WithName("schema")}, nil
}

// Up brings the mail tables to LatestVersion. A database already at the
// latest version is left untouched.
func (mg *Migrator) Up() error {
	return mg.apply("up", LatestVersion, mg.m.Up)
}

// MigrateTo moves the schema to version, up or down.
func (mg *Migrator) MigrateTo(version uint) error {
	if version == 0 || version > LatestVersion {
		return fmt.Errorf("schema: unknown version %d", version)
	}
	return mg.apply("migrate", version, func() error { return mg.m.Migrate(version) })
}

// Down drops every mail table.
func (mg *Migrator) Down() error {
	return mg.apply("down", 0, mg.m.Down)
}

func (mg *Migrator) apply(op string, target uint, fn func() error) error {
	from, _, err := mg.Version()
	if err != nil {
		return err
	}
	if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("schema: %s to version %d: %w", op, target, err)
	}
	mg.log.Info("mail schema migrated", "op", op, "from", from, "to", target)
	return nil
}

// Version reports the applied version. An empty database is version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("schema: read version: %w", err)
	}
	return v, dirty, nil
}

// Close releases the source and database handles.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Apply brings the database at connString to LatestVersion.
func Apply(connString string, log logr.Logger) error {
	mg, err := NewMigrator(connString, log)
	if err != nil {
		return err
	}
	return errors.Join(mg.Up(), mg.Close())
}
