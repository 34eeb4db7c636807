// Package store is the embedded persistence layer for settings
// synchronization: one current-state row per (account, device) and an
// append-only, pruned history table keyed by revision. All statements
// are parameterized; business validation lives in the API layer.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = "settings.db"

// Store wraps the settings database connection.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the settings database under
// dataDir, enables WAL journaling, and applies the schema and any
// pending column additions.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an existing connection (used by tests with in-memory
// databases) and applies the schema.
func OpenDB(conn *sql.DB) (*Store, error) {
	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	// WAL: concurrent readers while writes are serialized
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Slightly faster writes, still safe with WAL
	s.conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// SetMaxOpenConns limits the connection pool. The server process sets
// this to 1 to match SQLite's single-writer semantics.
func (s *Store) SetMaxOpenConns(n int) {
	s.conn.SetMaxOpenConns(n)
}

// Conn returns the underlying *sql.DB for use in tests.
func (s *Store) Conn() *sql.DB {
	return s.conn
}
