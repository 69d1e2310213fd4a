package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/courier/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection for the profile-owned courier.db.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Option configures a DB.
type Option func(*DB)

// WithNotifier makes the store publish a bus event after every committed change.
func WithNotifier(b *bus.Bus) Option {
	return func(db *DB) { db.bus = b }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so concurrent status updates serialize.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{DB: db}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (db *DB) notify(kind string, payload any) {
	if db.bus != nil {
		db.bus.Emit(kind, payload)
	}
}
