package profile

import (
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator creates a migrator for the database at databaseURL.
func NewMigrator(databaseURL string) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("profile: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("profile: migrate: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. A dirty database is forced back to its
// recorded version first.
func (m *Migrator) Up() error {
	version, dirty, err := m.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("profile: migration version: %w", err)
	}
	if dirty {
		log.Printf("[profile] database dirty at version %d, forcing", version)
		if err := m.m.Force(int(version)); err != nil {
			return fmt.Errorf("profile: force version %d: %w", version, err)
		}
	}

	if err := m.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("[profile] schema up to date")
			return nil
		}
		return fmt.Errorf("profile: migrate up: %w", err)
	}

	version, _, _ = m.m.Version()
	log.Printf("[profile] schema migrated to version %d", version)
	return nil
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("profile: migrate down: %w", err)
	}
	return nil
}

// Close releases the migration source and database handles.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.m.Close()
	if sourceErr != nil {
		return fmt.Errorf("profile: close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("profile: close database: %w", dbErr)
	}
	return nil
}
