// Package db persists the relay's own state: follower configs and their
// encrypted credentials, the master credential row, position/order
// bookkeeping, realized-PnL reports, and an append-only log of manual
// close commands (see schema.go, models.go). Credential changes and hard
// stops are not logged. A single SQLite file is the source of truth;
// the in-process follower.Runtime/PositionVar state the Supervisor and
// Executor mutate at signal speed is never read back from here, only
// written for audit and for repopulating config on restart.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path, with a
// busy_timeout so the gin handlers and the reconcile/executor write paths
// serialize on lock contention instead of failing outright.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Ping verifies the database file is still reachable, for the /health
// command-surface endpoint.
func (d *Database) Ping(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return errors.New("database not initialized")
	}
	return d.DB.PingContext(ctx)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
