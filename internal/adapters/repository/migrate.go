package repository

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate moves the schema of db.
//   - target < 0 migrates to the latest version.
//   - target == 0 rolls every migration back.
//   - target > 0 migrates to that version.
//
// It returns the resulting version.
func Migrate(db *sql.DB, backend Backend, target int) (uint, error) {
	var (
		driver database.Driver
		err    error
	)
	switch backend {
	case BackendSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	case BackendMySQL:
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case BackendPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return 0, fmt.Errorf("%w: %q has no migrations", ErrUnknownBackend, backend)
	}
	if err != nil {
		return 0, fmt.Errorf("create %s migrate driver: %w", backend, err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("access migrations directory: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return 0, fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "trustrep", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}

	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return current, fmt.Errorf("database is dirty at version %d, fix manually or force the version", current)
	}

	switch {
	case target < 0:
		err = m.Up()
	case target == 0:
		err = m.Down()
	default:
		err = m.Migrate(uint(target))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return current, fmt.Errorf("migrate to %d: %w", target, err)
	}

	v, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return v, nil
}
