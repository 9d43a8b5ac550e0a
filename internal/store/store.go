// Package store is the persistent metadata store: users, auth sessions,
// teams, memberships, the analysis index, and per-team folder trees. It wraps
// a single SQLite database opened in WAL mode so readers proceed concurrently
// with the one writer.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// UncategorizedTeamID is the reserved team that receives analyses whose
// explicit team was deleted, and analyses uploaded without a team.
const UncategorizedTeamID = "uncategorized"

// Permission names the fine-grained analysis permissions a membership can
// carry.
type Permission string

const (
	PermUpload   Permission = "upload_analyses"
	PermView     Permission = "view_analyses"
	PermRun      Permission = "run_analyses"
	PermEdit     Permission = "edit_analyses"
	PermDelete   Permission = "delete_analyses"
	PermDownload Permission = "download_analyses"
)

// ValidPermission reports whether p is one of the known permissions.
func ValidPermission(p Permission) bool {
	switch p {
	case PermUpload, PermView, PermRun, PermEdit, PermDelete, PermDownload:
		return true
	}
	return false
}

// Store wraps the sql.DB connection.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. WAL mode, synchronous=NORMAL and a 6 MB journal size limit are
// set through DSN pragmas.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)" +
		"&_pragma=journal_size_limit(6144000)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(on)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc sqlite serializes writes in-process; a single connection avoids
	// SQLITE_BUSY between our own goroutines.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

func migrate(conn *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
