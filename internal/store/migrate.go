package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/courier/internal/store/migrations"
)

// migrationSource names the embedded migration set in results and logs.
const migrationSource = "courier-embedded"

// ErrDirtySchema is returned when a previous migration stopped half way. The
// queue must not run on top of a partially applied schema.
var ErrDirtySchema = errors.New("schema is dirty")

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Source  string
	From    uint
	Version uint
	Changed bool
}

// Migrate brings courier.db up to the newest embedded schema.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance(migrationSource, source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	res := &MigrateResult{Source: migrationSource}
	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return nil, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return nil, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	default:
		res.From = from
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return nil, fmt.Errorf("migration up from %d: %w", res.From, err)
	default:
		res.Changed = true
	}
	if res.Version, _, err = m.Version(); err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	return res, nil
}
