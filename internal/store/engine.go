package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"tradedesk/pkg/utils"
)

// Engine names reported by Stats.
const (
	EngineFile   = "sqlite-file"
	EngineMemory = "sqlite-memory"
)

// engine opens the relational handle the store runs on. The store picks one
// implementation at construction and keeps it for its lifetime.
type engine interface {
	Name() string
	Path() string
	Open(ctx context.Context) (*sql.DB, error)
	Checkpoint(ctx context.Context, db *sql.DB) error
}

// fileEngine is the primary WAL-mode database file.
type fileEngine struct {
	path string
}

func (e *fileEngine) Name() string { return EngineFile }
func (e *fileEngine) Path() string { return e.path }

func (e *fileEngine) Open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := e.path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent readers
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	err = utils.Retry(ctx, utils.RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2,
		Retryable:     isBusy,
	}, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A non-database file only fails on first real read.
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read database: %w", err)
	}
	return db, nil
}

func (e *fileEngine) Checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// memoryEngine keeps the database in process memory. It backs the store when
// the file cannot be opened; durability then comes from the JSON mirror, which
// is loaded at open and rewritten after every mutation.
type memoryEngine struct {
	name string
}

func newMemoryEngine() *memoryEngine {
	return &memoryEngine{name: "tradedesk-" + uuid.NewString()}
}

func (e *memoryEngine) Name() string { return EngineMemory }
func (e *memoryEngine) Path() string { return ":memory:" }

func (e *memoryEngine) Open(ctx context.Context) (*sql.DB, error) {
	dsn := "file:" + url.PathEscape(e.name) + "?mode=memory&cache=shared&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// The database lives as long as one connection does.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping memory database: %w", err)
	}
	return db, nil
}

func (e *memoryEngine) Checkpoint(context.Context, *sql.DB) error { return nil }

// isBusy reports SQLITE_BUSY and SQLITE_LOCKED engine errors.
func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
