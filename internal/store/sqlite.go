// ABOUTME: SQLite connection setup shared by the job and credential stores
// ABOUTME: Uses modernc.org/sqlite with WAL journaling and foreign keys enabled

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// openSQLite opens the database at path, creating parent directories as
// needed, and enables WAL mode and foreign keys.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for concurrent readers alongside the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Foreign keys are per-connection in SQLite, so pin to one connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return db, nil
}

// migration adds a column to an existing table if it is missing.
type migration struct {
	table  string
	column string
	apply  string
}

// runMigrations applies column migrations for existing databases.
// SQLite has no ADD COLUMN IF NOT EXISTS, so each column is checked first.
func runMigrations(db *sql.DB, migrations []migration) ([]string, error) {
	var applied []string
	for _, m := range migrations {
		var exists int
		err := db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := db.Exec(m.apply); err != nil {
			return applied, fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		applied = append(applied, m.table+"."+m.column)
	}
	return applied, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is RFC3339 with fixed-width nanoseconds so ordering by the text
// column matches ordering by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime formats an optional timestamp.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
