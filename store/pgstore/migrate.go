package pgstore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rfs-server/rfsauth/store/pgstore/migrations"
)

const migrationsTable = "rfsauth_schema_migrations"

// Migrate applies every pending embedded migration. golang-migrate holds a
// PostgreSQL advisory lock while it runs, so concurrent instances are safe.
func (s *Store) Migrate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	driver, err := pgxv5.WithInstance(s.db, &pgxv5.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("migration: driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration: source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migration: init: %w", err)
	}

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration: version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration: database is dirty at version %d", from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("rfsauth migrations up to date", slog.Int("version", int(from)))
			return nil
		}
		return fmt.Errorf("migration: up: %w", err)
	}

	to, _, _ := m.Version()
	logger.Info("rfsauth migrations applied",
		slog.Int("from_version", int(from)),
		slog.Int("to_version", int(to)),
	)
	return nil
}
