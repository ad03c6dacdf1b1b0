// Package database opens the embedded SQLite database the persistence
// store runs against, in WAL journal mode per spec.md's durability
// requirement that readers never block writers.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open establishes a connection to the SQLite file at path, enables WAL
// journal mode and foreign keys, and verifies connectivity with a ping. The
// returned *sqlx.DB must be closed by the caller.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single writer per process is the store's own invariant (spec.md
	// §4.1); SQLite under WAL still serializes writers internally, but
	// capping the pool keeps write contention visible rather than hidden
	// behind driver-level queuing.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return db, nil
}

// OpenInMemory opens a private, non-shared in-memory database for tests
// that want real SQL semantics rather than go-sqlmock expectations.
func OpenInMemory(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// RawDB is a helper for call sites that still need a bare *sql.DB (the
// migrations package operates on one rather than a sqlx handle).
func RawDB(db *sqlx.DB) *sql.DB {
	return db.DB
}
