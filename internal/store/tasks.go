package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/run"
)

func encodeValues(v run.Values) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode output values: %w", err)
	}
	return string(raw), nil
}

func decodeValues(s string) (run.Values, error) {
	if s == "" {
		return nil, nil
	}
	var v run.Values
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to decode output values: %w", err)
	}
	return v, nil
}

// SaveTask saves or updates a task row. Uses ON CONFLICT to make saves
// idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, rec run.TaskRecord) error {
	output, err := encodeValues(rec.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_tasks (run_id, task_name, state, attempt, retry_at, output, reason, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_name) DO UPDATE SET
			state = excluded.state,
			attempt = excluded.attempt,
			retry_at = excluded.retry_at,
			output = excluded.output,
			reason = excluded.reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`, rec.RunID, rec.Task, string(rec.State), rec.Attempt, timeToNanos(rec.RetryAt),
		output, rec.Reason, timeToNanos(rec.StartedAt), timeToNanos(rec.FinishedAt),
		timeToNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// SwapTask applies a compare-and-set transition: the row is replaced only
// while it still matches the guard's (state, attempt). A guard mismatch
// returns ErrStaleTransition, which is how outcomes of superseded attempts
// are rejected. The guard names the row; `to` supplies the new contents.
func (s *SQLiteStore) SwapTask(ctx context.Context, guard Guard, to run.TaskRecord) error {
	if !run.CanTransition(guard.State, to.State) {
		return fmt.Errorf("%w: %s -> %s for task %q", ErrIllegalTransition, guard.State, to.State, guard.Task)
	}

	output, err := encodeValues(to.Output)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE run_tasks
		SET state = ?, attempt = ?, retry_at = ?, output = ?, reason = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE run_id = ? AND task_name = ? AND state = ? AND attempt = ?
	`, string(to.State), to.Attempt, timeToNanos(to.RetryAt), output, to.Reason,
		timeToNanos(to.StartedAt), timeToNanos(to.FinishedAt), timeToNanos(time.Now()),
		guard.RunID, guard.Task, string(guard.State), guard.Attempt)
	if err != nil {
		return fmt.Errorf("failed to swap task state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		if _, err := s.GetTask(ctx, guard.RunID, guard.Task); errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("task %q (expected %s attempt %d): %w",
			guard.Task, guard.State, guard.Attempt, ErrStaleTransition)
	}
	return nil
}

const taskColumns = `run_id, task_name, state, attempt, retry_at, output, reason, started_at, finished_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (run.TaskRecord, error) {
	var (
		rec        run.TaskRecord
		state      string
		retryAt    int64
		output     string
		startedAt  int64
		finishedAt int64
		updatedAt  int64
	)
	err := row.Scan(&rec.RunID, &rec.Task, &state, &rec.Attempt, &retryAt,
		&output, &rec.Reason, &startedAt, &finishedAt, &updatedAt)
	if err != nil {
		return run.TaskRecord{}, err
	}

	parsed, err := run.ParseTaskState(state)
	if err != nil {
		return run.TaskRecord{}, err
	}
	rec.State = parsed

	values, err := decodeValues(output)
	if err != nil {
		return run.TaskRecord{}, err
	}
	rec.Output = values

	rec.RetryAt = nanosToTime(retryAt)
	rec.StartedAt = nanosToTime(startedAt)
	rec.FinishedAt = nanosToTime(finishedAt)
	rec.UpdatedAt = nanosToTime(updatedAt)
	return rec, nil
}

// GetTask retrieves one task row.
func (s *SQLiteStore) GetTask(ctx context.Context, runID, task string) (run.TaskRecord, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM run_tasks WHERE run_id = ? AND task_name = ?`,
		runID, task))
	if errors.Is(err, sql.ErrNoRows) {
		return run.TaskRecord{}, fmt.Errorf("task %q in run %q: %w", task, runID, ErrNotFound)
	}
	if err != nil {
		return run.TaskRecord{}, fmt.Errorf("failed to query task: %w", err)
	}
	return rec, nil
}

// ListTasks returns every task row of a run, ordered by task name. This is
// the full enumeration crash recovery rebuilds the ready set from.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]run.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM run_tasks WHERE run_id = ? ORDER BY task_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var records []run.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return records, nil
}

// AppendAttempt records one finished dispatch in the audit trail.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (run_id, task_name, attempt, outcome, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.Task, a.Attempt, a.Outcome, a.Reason,
		timeToNanos(a.StartedAt), timeToNanos(a.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the audit trail for one task, oldest attempt first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID, task string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_name, attempt, outcome, reason, started_at, finished_at
		FROM task_attempts
		WHERE run_id = ? AND task_name = ?
		ORDER BY attempt, id
	`, runID, task)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a          Attempt
			startedAt  int64
			finishedAt int64
		)
		if err := rows.Scan(&a.RunID, &a.Task, &a.Attempt, &a.Outcome, &a.Reason, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.StartedAt = nanosToTime(startedAt)
		a.FinishedAt = nanosToTime(finishedAt)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}
