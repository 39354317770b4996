// Package store persists gateway state in SQLite. Live trading state,
// sandbox state, and latency samples live in separate database files so a
// sandbox reset never touches live rows.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps one SQLite database file.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path in WAL mode.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{conn: conn, path: dbPath}, nil
}

// Migrate applies the given schema statements.
func (db *DB) Migrate(schema string) error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", db.path, err)
	}
	return nil
}

// Conn returns the underlying sql.DB.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
