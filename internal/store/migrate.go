package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Changed bool
}

// ErrDirtySchema means an earlier migration failed halfway. The daemon and
// the push handler both refuse to write until it is repaired by hand.
var ErrDirtySchema = errors.New("schema is dirty")

// Migrate brings the schema to the newest embedded version. Both the
// daemon and the push handler call it on open; running it twice is a no-op.
func (db *DB) Migrate() (*MigrateResult, error) {
	const op = "store.migrate"

	m, err := db.migrator()
	if err != nil {
		return nil, chaterr.New(chaterr.StorageWrite, op, err)
	}

	if _, dirty, err := m.Version(); err == nil && dirty {
		return nil, chaterr.New(chaterr.StorageWrite, op, ErrDirtySchema)
	}

	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, chaterr.New(chaterr.StorageWrite, op, fmt.Errorf("migration up: %w", err))
	}

	version, _, err := m.Version()
	if err != nil {
		return nil, chaterr.New(chaterr.StorageRead, op, err)
	}
	return &MigrateResult{Version: version, Changed: changed}, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}
