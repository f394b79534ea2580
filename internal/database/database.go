// Package database opens the SQLite database shared by every mobo store.
// Two drivers are supported: the cgo driver (mattn/go-sqlite3, registered
// as "sqlite3") and the pure-Go driver (modernc.org/sqlite, registered as
// "sqlite"). Both are opened in WAL mode with a busy timeout so readers
// never block the single writer.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by [Open].
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// BusyTimeoutMS is how long a connection waits for a competing writer
// before giving up with SQLITE_BUSY.
const BusyTimeoutMS = 5000

// DSN returns the driver-specific connection string for path.
func DSN(driver, path string) (string, error) {
	switch driver {
	case DriverCGO, "":
		return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, BusyTimeoutMS), nil
	case DriverPureGo:
		return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, BusyTimeoutMS), nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q (valid: %s, %s)", driver, DriverCGO, DriverPureGo)
	}
}

// Open opens (creating if needed) the database file at path. The parent
// directory is created when missing. The special path ":memory:" opens
// a private in-memory database limited to one connection, since every
// new connection would otherwise see its own empty database.
func Open(driver, path string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}

	if path == ":memory:" {
		db, err := sql.Open(driver, path)
		if err != nil {
			return nil, fmt.Errorf("open in-memory database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}

	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn, err := DSN(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return db, nil
}

// FormatTime renders t the way every store persists timestamps: RFC 3339
// with nanoseconds in UTC. The fixed-width layout keeps lexical order
// equal to chronological order so timestamps can be compared in SQL.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by [FormatTime]. Values written
// with plain RFC 3339 are accepted too.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// TimeLayout is RFC 3339 with a fixed nine-digit fraction.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
