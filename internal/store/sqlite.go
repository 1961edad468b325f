package store

import (
	"database/sql"
	"fmt"
	"time"

	"crmsync/internal/models"
	"crmsync/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store persists credentials and local calendar events in SQLite.
// It implements both the credential store and the local event store.
type Store struct {
	db    *sql.DB
	clock models.Clock
	ids   models.IDGenerator
}

// Open opens (or creates) the database at path and applies pending migrations.
// path can be a file path or ":memory:".
func Open(path string, clock models.Clock, ids models.IDGenerator) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewFromDB(db, clock, ids), nil
}

// NewFromDB wraps an existing, already migrated connection.
// Nil clock or ids fall back to the real implementations.
func NewFromDB(db *sql.DB, clock models.Clock, ids models.IDGenerator) *Store {
	if clock == nil {
		clock = models.RealClock{}
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	return &Store{db: db, clock: clock, ids: ids}
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: ":memory:" databases are per connection, and SQLite
	// serializes writers anyway. Callers must not nest queries.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// nullString maps the empty string to NULL.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
