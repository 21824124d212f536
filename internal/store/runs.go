package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/run"
)

// CreateRun inserts the run and one PENDING task row per task name in a
// single transaction. The unique (pipeline, logical_time) index makes the
// operation idempotent: a second trigger for the same pair writes nothing
// and reports created=false.
func (s *SQLiteStore) CreateRun(ctx context.Context, r run.Run, taskNames []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, version, logical_time, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(pipeline, logical_time) DO NOTHING
	`, r.ID, r.Pipeline, r.Version, timeToNanos(r.LogicalTime), string(r.Status), timeToNanos(r.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert run: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	now := timeToNanos(time.Now())
	for _, name := range taskNames {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, task_name, state, attempt, updated_at)
			VALUES (?, ?, ?, 0, ?)
		`, r.ID, name, string(run.TaskPending), now)
		if err != nil {
			return false, fmt.Errorf("failed to insert task row %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

const runColumns = `id, pipeline, version, logical_time, status, created_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (run.Run, error) {
	var (
		r           run.Run
		logicalTime int64
		status      string
		createdAt   int64
		finishedAt  int64
	)
	if err := row.Scan(&r.ID, &r.Pipeline, &r.Version, &logicalTime, &status, &createdAt, &finishedAt); err != nil {
		return run.Run{}, err
	}
	parsed, err := run.ParseStatus(status)
	if err != nil {
		return run.Run{}, err
	}
	r.Status = parsed
	r.LogicalTime = nanosToTime(logicalTime)
	r.CreatedAt = nanosToTime(createdAt)
	r.FinishedAt = nanosToTime(finishedAt)
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return run.Run{}, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

// FindRun retrieves the run for a (pipeline, logical time) pair.
func (s *SQLiteStore) FindRun(ctx context.Context, pipeline string, logicalTime time.Time) (run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE pipeline = ? AND logical_time = ?`,
		pipeline, timeToNanos(logicalTime)))
	if errors.Is(err, sql.ErrNoRows) {
		return run.Run{}, fmt.Errorf("run for %q at %s: %w", pipeline, logicalTime, ErrNotFound)
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) listRuns(ctx context.Context, query string, args ...any) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListRuns returns the most recent runs of a pipeline, newest first.
// A non-positive limit returns all of them.
func (s *SQLiteStore) ListRuns(ctx context.Context, pipeline string, limit int) ([]run.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.listRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE pipeline = ? ORDER BY logical_time DESC LIMIT ?`,
		pipeline, limit)
}

// ListRunsByStatus returns every run in the given status, oldest first.
// Recovery uses it to find runs interrupted by a crash.
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status run.Status) ([]run.Run, error) {
	return s.listRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at`,
		string(status))
}

// UpdateRunStatus sets the run-level status and, for terminal statuses,
// the finish time.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status run.Status, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), timeToNanos(finishedAt), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	return nil
}
