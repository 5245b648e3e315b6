package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/vpires/chatstore/internal/storage/migrations"
)

// SchemaVersion is the newest schema version this build knows how to
// migrate to. The on-disk version is checked on every open; a database
// ahead of this build has no defined downgrade path.
const SchemaVersion uint = 2

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies migration steps in order until the database is at the
// target version. Each step runs inside the upgrade transaction; a version
// gap with no defined step fails with ErrMissingMigration and leaves the
// schema unchanged.
func Migrate(db *sql.DB, target uint) (*MigrateResult, error) {
	if target > SchemaVersion {
		return nil, fmt.Errorf("%w: no step up to version %d (have %d)", ErrMissingMigration, target, SchemaVersion)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	current, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if current > SchemaVersion {
		return nil, fmt.Errorf("%w: database is at version %d, newest known step is %d", ErrMissingMigration, current, SchemaVersion)
	}

	changed := true
	err = m.Migrate(target)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		changed = false
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrMissingMigration, err)
	case err != nil:
		return nil, fmt.Errorf("migration to %d: %w", target, err)
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
