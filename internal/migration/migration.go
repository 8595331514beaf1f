package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const ledgerMigrationsTable = "remittance_schema_migrations"

var (
	ErrNoDatabase  = errors.New("migration_database_required")
	ErrDirtySchema = errors.New("migration_dirty_schema")
)

// Source opens the embedded ledger migrations.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	return iofs.New(sub, ".")
}

// RunMigrations brings the postgres ledger schema up to date and returns
// the resulting version. A schema left dirty by a failed run is reported
// rather than forced.
func RunMigrations(db *sql.DB) (uint, error) {
	if db == nil {
		return 0, ErrNoDatabase
	}

	src, err := Source()
	if err != nil {
		return 0, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: ledgerMigrationsTable})
	if err != nil {
		return 0, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}
	// migrator.Close would also close the shared *sql.DB.

	if _, dirty, verr := migrator.Version(); verr == nil && dirty {
		return 0, ErrDirtySchema
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	version, _, err := migrator.Version()
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return version, nil
}
