package cron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/pkg/cron/migrations"
)

const migrationsTable = "phoenixd_schema_migrations"

// Migrate applies the cron schema to the database reached by dsn.
// golang-migrate serializes concurrent runs with an advisory lock.
func Migrate(ctx context.Context, database, dsn string) error {
	m, closeDB, err := newMigrate(ctx, database, dsn)
	if err != nil {
		return err
	}
	defer closeDB()

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("cron schema up to date", logger.KeyDatabase, database)
	case err != nil:
		return fmt.Errorf("migrate %s: %w", database, err)
	default:
		logger.Info("cron schema migrated", logger.KeyDatabase, database)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version of %s: %w", database, err)
	}
	if dirty {
		logger.Warn("cron schema is dirty, manual intervention may be required",
			logger.KeyDatabase, database, "version", version)
	}
	return nil
}

// SchemaVersion returns the applied migration version, 0 when none.
func SchemaVersion(ctx context.Context, database, dsn string) (uint, bool, error) {
	m, closeDB, err := newMigrate(ctx, database, dsn)
	if err != nil {
		return 0, false, err
	}
	defer closeDB()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrate(ctx context.Context, database, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", database, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", database, err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: migrationsTable,
		DatabaseName:    database,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, func() { _, _ = m.Close() }, nil
}
