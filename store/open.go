// Package store is the gateway's durable state layer: application entities,
// file-storage metadata, payloads, inference requests, association audit
// records, and remote-app executions, all in a single SQLite database.
//
// The database is opened with production pragmas (WAL, busy_timeout,
// synchronous=NORMAL) and every write goes through a BUSY-retry helper, so
// concurrent workers on the same file never surface SQLITE_BUSY to callers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the gateway database at path and applies
// the schema. An optional retry schedule overrides the default SQLITE_BUSY
// backoff; its length is the retry cap.
func Open(path string, retryDelays ...time.Duration) (*sql.DB, error) {
	if len(retryDelays) > 0 {
		busyDelays = retryDelays
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests. MaxOpenConns(1) keeps
// every query on the same in-memory instance.
func OpenMemory(t testing.TB) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// busyDelays paces SQLITE_BUSY retries; Open replaces it with the
// configured schedule.
var busyDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
}

// isBusy reports whether err indicates an SQLite BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// exec executes a statement with BUSY retry on the configured schedule.
func exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for i := 0; ; i++ {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isBusy(err) {
			return nil, err
		}
		if i >= len(busyDelays) {
			return nil, lastErr
		}
		if err := sleepCtx(ctx, busyDelays[i]); err != nil {
			return nil, err
		}
	}
}

// runTx executes fn inside a transaction with BUSY retry.
func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var lastErr error
	for i := 0; ; i++ {
		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		if i >= len(busyDelays) {
			return lastErr
		}
		if err := sleepCtx(ctx, busyDelays[i]); err != nil {
			return err
		}
	}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
