package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/kyjohnso/hilbert-sats/internal/logging"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// ErrDirtySchema reports a migration that stopped midway. It needs manual
// repair, so retrying is pointless.
var ErrDirtySchema = errors.New("schema is dirty")

// MigrateUp runs all pending migrations up to the latest version.
// Returns nil if no migrations were needed (already at latest version).
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Note: m is not closed; closing it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("%w at version %d", ErrDirtySchema, dirty.Version)
		}
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration, dropping both tables.
func (s *Store) MigrateDown() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
// Returns 0, false, nil if no migrations have been applied yet.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if err != nil && errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+s.dialect.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	var driver database.Driver
	switch s.dialect.Name {
	case Postgres.Name:
		driver, err = postgres.WithInstance(s.db, &postgres.Config{})
	case SQLite.Name:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("no migration driver for %q", s.dialect.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration driver: %w", s.dialect.Name, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.Name, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: s.log}
	return m, nil
}

// migrateLogger implements migrate.Logger on top of the structured logger.
type migrateLogger struct {
	log logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(context.Background(), "migrate", logging.String("detail", fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
