// Package store persists runs and per-task state in SQLite. Every state
// transition the scheduler applies goes through here first: an unpersisted
// transition risks duplicate dispatch after a crash, so the store is the
// source of truth and crash recovery reads nothing else.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	_ "modernc.org/sqlite"

	"github.com/conveyorhq/conveyor/internal/run"
)

var (
	// ErrNotFound is returned when a run or task row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleTransition is returned by SwapTask when the row no longer
	// matches the guard: another writer got there first, or the outcome
	// belongs to a superseded attempt.
	ErrStaleTransition = errors.New("stale transition")

	// ErrIllegalTransition is returned by SwapTask for an edge the task
	// state machine does not allow. This is a programming error, never
	// retried.
	ErrIllegalTransition = errors.New("illegal transition")
)

// Guard identifies the exact row version SwapTask may replace: the task's
// current state and attempt counter.
type Guard struct {
	RunID   string
	Task    string
	State   run.TaskState
	Attempt int
}

// Attempt is one dispatch of a task, kept as an audit trail for the state
// query interface.
type Attempt struct {
	RunID      string
	Task       string
	Attempt    int
	Outcome    string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the durable persistence contract the scheduler builds on:
// idempotent run creation, upsert and compare-and-set of task state, and
// full enumeration for recovery.
type Store interface {
	// CreateRun atomically inserts a run plus a PENDING row per task.
	// Idempotent on (pipeline, logical time): if a run for that pair
	// already exists nothing is written and created is false.
	CreateRun(ctx context.Context, r run.Run, taskNames []string) (created bool, err error)
	GetRun(ctx context.Context, runID string) (run.Run, error)
	FindRun(ctx context.Context, pipeline string, logicalTime time.Time) (run.Run, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]run.Run, error)
	ListRunsByStatus(ctx context.Context, status run.Status) ([]run.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status run.Status, finishedAt time.Time) error

	// SaveTask upserts a task row unconditionally. The scheduler uses it
	// only outside contended paths (seeding, recovery resets go through
	// SwapTask as well).
	SaveTask(ctx context.Context, rec run.TaskRecord) error
	// SwapTask replaces a task row if and only if it still matches the
	// guard, failing with ErrStaleTransition otherwise. The guard also
	// names the transition's from-state; illegal edges are rejected with
	// ErrIllegalTransition.
	SwapTask(ctx context.Context, guard Guard, to run.TaskRecord) error
	GetTask(ctx context.Context, runID, task string) (run.TaskRecord, error)
	ListTasks(ctx context.Context, runID string) ([]run.TaskRecord, error)

	AppendAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, runID, task string) ([]Attempt, error)

	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite store at the given path.
// Parent directories are created. WAL mode, a busy timeout and foreign
// keys are enabled.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection
	// string; it is enabled via PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return finishOpen(ctx, db)
}

// OpenMemory opens an in-memory store for testing. Each call gets its own
// database: the unique name keeps stores independent while cache=shared
// lets both pooled connections see the same data.
func OpenMemory(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem_%s?mode=memory&cache=shared", xid.New().String())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return finishOpen(ctx, db)
}

func finishOpen(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as unix nanoseconds so that key equality (the
// idempotent trigger looks runs up by logical time) never depends on a
// text format. Zero times are stored as 0.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
