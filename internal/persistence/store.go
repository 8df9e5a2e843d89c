// Package persistence journals run state to SQLite so an interrupted run's
// progress survives the process and a restarted run can report what already
// resolved.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRecord is one task's row within a run.
type TaskRecord struct {
	TaskID        int
	Title         string
	Wave          int
	Status        string
	LastGate      string
	FailureBranch string
	MergeOutcome  string
	UpdatedAt     time.Time
}

// AttemptRecord is one retry-loop iteration within a run.
type AttemptRecord struct {
	TaskID          int
	Iteration       int
	Gate            string
	Hash            string
	ShiftedStrategy bool
	CreatedAt       time.Time
}

// Store defines the persistence interface for runs, task rows and attempts.
type Store interface {
	CreateRun(ctx context.Context, runID string, planFingerprint uint64, baseBranch string) error
	FinishRun(ctx context.Context, runID string, outcome string) error

	SaveTask(ctx context.Context, runID string, rec TaskRecord) error
	UpdateTaskStatus(ctx context.Context, runID string, taskID int, status, lastGate, failureBranch, mergeOutcome string) error
	ListTasks(ctx context.Context, runID string) ([]TaskRecord, error)

	RecordAttempt(ctx context.Context, runID string, rec AttemptRecord) error
	ListAttempts(ctx context.Context, runID string, taskID int) ([]AttemptRecord, error)

	// LatestRun returns the most recent run ID for a plan fingerprint, or
	// "" when the plan has never run (or has changed since).
	LatestRun(ctx context.Context, planFingerprint uint64) (string, error)

	Close() error
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a store at dbPath with WAL mode
// and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for tests. Shared cache so
// multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
