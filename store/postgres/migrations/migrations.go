// Package migrations applies the embedded Postgres schema migrations.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migrator runs schema migrations against a database.
type Migrator struct {
	m   *migrate.Migrate
	log *log.Logger
}

// New returns a Migrator for the database at dsn (a postgres:// URL).
func New(dsn string, l *log.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("error loading migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("error initializing migrations: %w", err)
	}
	return &Migrator{m: m, log: l}, nil
}

// Up applies all pending migrations. A dirty version left by a failed run
// is forced before retrying.
func (m *Migrator) Up() error {
	version, dirty, err := m.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("error reading schema version: %w", err)
	}
	if dirty {
		m.log.Printf("schema version %d is dirty, forcing", version)
		if err := m.m.Force(int(version)); err != nil {
			return fmt.Errorf("error forcing schema version: %w", err)
		}
	}

	if err := m.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("error running migrations: %w", err)
	}

	version, _, _ = m.m.Version()
	m.log.Printf("migrated schema to version %d", version)
	return nil
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error rolling back migrations: %w", err)
	}
	return nil
}

// Close closes the migration source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
