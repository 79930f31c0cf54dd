package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migrations upgrade stores created by older builds. Entry i moves a store
// from user_version i to i+1; schema.sql already holds the latest tables.
var migrations = []func(*sql.DB) error{
	addPublicKeys,
}

var currentSchemaVersion = len(migrations)

// ErrCorrupt is returned when SQLite reports a damaged or foreign database
// file. It is fatal: callers halt rather than retry.
var ErrCorrupt = errors.New("local store corrupt")

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

// Store is the device's SQLite database. Reads and writes go through the
// embedded Queries; multi-statement changes go through RunInTx.
type Store struct {
	*Queries
	db   *sql.DB
	path string
}

// Open opens or creates the store at path and brings its schema up to date.
// Every transaction begins IMMEDIATE, so writers queue on the busy timeout
// instead of failing on lock upgrade.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: SQLite has a single writer, and :memory: databases
	// exist per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, step := range []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"connect", func(db *sql.DB) error { return db.Ping() }},
		{"configure", applyPragmas},
		{"apply schema", applySchema},
	} {
		if err := step.fn(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s %s: %w", step.name, path, mapError(err))
		}
	}
	return &Store{Queries: &Queries{q: db}, db: db, path: path}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_txlock=immediate"
	}
	return path + "?_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// RunInTx runs fn in one immediate transaction. fn must use the Queries it
// is given, not the Store: the pool has a single connection.
// The transaction commits if fn returns nil and rolls back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapError(err))
	}
	return nil
}

// CheckIntegrity runs PRAGMA quick_check and returns ErrCorrupt if SQLite
// finds damage.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return mapError(err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

func applyPragmas(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	if version == currentSchemaVersion {
		return nil
	}
	// PRAGMA does not take bind parameters.
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion))
	return err
}

// addPublicKeys adds the key directory to stores from before keys were
// kept locally.
func addPublicKeys(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS public_keys (
			id         TEXT PRIMARY KEY,
			algorithm  TEXT NOT NULL,
			public_key BLOB NOT NULL,
			owner_id   TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			retired_at INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// mapError turns SQLite corruption result codes into ErrCorrupt.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// IsCorrupt reports whether err means the database file is damaged.
func IsCorrupt(err error) bool {
	return errors.Is(mapError(err), ErrCorrupt)
}
