// Package store provides the SQLite persistence layer: uploaded documents,
// their chunk vectors, the ask history, and a small key/value table used to
// bind the database to one embedding model. Documents and chunks live in the
// same database so deletes cascade and a chunk can never outlive its parent.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// ErrNotFound is returned when a named document does not exist.
var ErrNotFound = errors.New("store: document not found")

// SQLiteStore is the document, chunk and history store backed by a local
// SQLite database. It is safe for concurrent use.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// now returns the current time; replaced in tests.
	now func() time.Time
}

// DefaultDBPath returns the default database path, ~/.ragpdf/ragpdf.db,
// creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragpdf")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "ragpdf.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps an in-memory database
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
PRAGMA foreign_keys = ON;
CREATE TABLE IF NOT EXISTS documents (
    name         TEXT    PRIMARY KEY,
    size         INTEGER NOT NULL,
    content      TEXT    NOT NULL,
    processed    INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,  -- Unix timestamp (seconds)
    updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    document     TEXT    NOT NULL REFERENCES documents(name) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    text         TEXT    NOT NULL,
    start_off    INTEGER NOT NULL,
    end_off      INTEGER NOT NULL,
    vector       BLOB    NOT NULL,
    UNIQUE (document, seq)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document);
CREATE TABLE IF NOT EXISTS asks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    question     TEXT    NOT NULL,
    answer       TEXT    NOT NULL,
    sources      TEXT    NOT NULL,  -- JSON array of {document, text}
    created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
    key          TEXT    PRIMARY KEY,
    value        TEXT    NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable. It satisfies the readiness
// Pinger contract.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
