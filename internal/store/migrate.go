package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations/sqlite
var sqliteMigrations embed.FS

//go:embed all:migrations/postgres
var postgresMigrations embed.FS

// runMigrations applies every pending forward-only migration for driver
// over conn and closes the migrator when done. Open hands it a dedicated
// *sql.DB, so golang-migrate's m.Close() never touches the application's
// primary *sql.DB (spec §4.6).
func runMigrations(conn *sql.DB, driver string) error {
	m, err := newMigrator(conn, driver)
	if err != nil {
		return fmt.Errorf("store: build migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

func newMigrator(conn *sql.DB, driverName string) (*migrate.Migrate, error) {
	var migrationFS fs.FS
	var err error

	switch driverName {
	case "sqlite":
		migrationFS, err = fs.Sub(sqliteMigrations, "migrations/sqlite")
	case "postgres":
		migrationFS, err = fs.Sub(postgresMigrations, "migrations/postgres")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}
	if err != nil {
		return nil, fmt.Errorf("sub filesystem: %w", err)
	}

	source, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	var dbDriver database.Driver
	switch driverName {
	case "sqlite":
		dbDriver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	case "postgres":
		dbDriver, err = migratepostgres.WithInstance(conn, &migratepostgres.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	return migrate.NewWithInstance("iofs", source, driverName, dbDriver)
}
