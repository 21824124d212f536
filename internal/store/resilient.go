package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conveyorhq/conveyor/internal/run"
)

// RetryConfig configures exponential backoff for store operations.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default store retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Resilient decorates a Store with retry: transient failures (locked
// database, brief I/O trouble) are retried with exponential backoff before
// an error escapes to the scheduler. Semantic results are never retried:
// ErrNotFound, ErrStaleTransition and ErrIllegalTransition pass through
// immediately, as does context cancellation.
type Resilient struct {
	inner Store
	cfg   RetryConfig
}

// NewResilient wraps a store with the given retry configuration.
func NewResilient(inner Store, cfg RetryConfig) *Resilient {
	return &Resilient{inner: inner, cfg: cfg}
}

func (r *Resilient) retry(ctx context.Context, op func() error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrIllegalTransition) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval
	policy.MaxElapsedTime = r.cfg.MaxElapsedTime
	policy.Multiplier = r.cfg.Multiplier
	policy.RandomizationFactor = r.cfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (r *Resilient) CreateRun(ctx context.Context, rn run.Run, taskNames []string) (bool, error) {
	var created bool
	err := r.retry(ctx, func() error {
		var err error
		created, err = r.inner.CreateRun(ctx, rn, taskNames)
		return err
	})
	return created, err
}

func (r *Resilient) GetRun(ctx context.Context, runID string) (run.Run, error) {
	var out run.Run
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.GetRun(ctx, runID)
		return err
	})
	return out, err
}

func (r *Resilient) FindRun(ctx context.Context, pipeline string, logicalTime time.Time) (run.Run, error) {
	var out run.Run
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.FindRun(ctx, pipeline, logicalTime)
		return err
	})
	return out, err
}

func (r *Resilient) ListRuns(ctx context.Context, pipeline string, limit int) ([]run.Run, error) {
	var out []run.Run
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.ListRuns(ctx, pipeline, limit)
		return err
	})
	return out, err
}

func (r *Resilient) ListRunsByStatus(ctx context.Context, status run.Status) ([]run.Run, error) {
	var out []run.Run
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.ListRunsByStatus(ctx, status)
		return err
	})
	return out, err
}

func (r *Resilient) UpdateRunStatus(ctx context.Context, runID string, status run.Status, finishedAt time.Time) error {
	return r.retry(ctx, func() error {
		return r.inner.UpdateRunStatus(ctx, runID, status, finishedAt)
	})
}

func (r *Resilient) SaveTask(ctx context.Context, rec run.TaskRecord) error {
	return r.retry(ctx, func() error {
		return r.inner.SaveTask(ctx, rec)
	})
}

func (r *Resilient) SwapTask(ctx context.Context, guard Guard, to run.TaskRecord) error {
	return r.retry(ctx, func() error {
		return r.inner.SwapTask(ctx, guard, to)
	})
}

func (r *Resilient) GetTask(ctx context.Context, runID, task string) (run.TaskRecord, error) {
	var out run.TaskRecord
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.GetTask(ctx, runID, task)
		return err
	})
	return out, err
}

func (r *Resilient) ListTasks(ctx context.Context, runID string) ([]run.TaskRecord, error) {
	var out []run.TaskRecord
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.ListTasks(ctx, runID)
		return err
	})
	return out, err
}

func (r *Resilient) AppendAttempt(ctx context.Context, a Attempt) error {
	return r.retry(ctx, func() error {
		return r.inner.AppendAttempt(ctx, a)
	})
}

func (r *Resilient) ListAttempts(ctx context.Context, runID, task string) ([]Attempt, error) {
	var out []Attempt
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.ListAttempts(ctx, runID, task)
		return err
	})
	return out, err
}

func (r *Resilient) Close() error {
	return r.inner.Close()
}
