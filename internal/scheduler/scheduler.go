// Package scheduler drives runs to a terminal state. It computes the
// ready set from persisted task state, dispatches attempts with bounded
// concurrency, applies outcomes through compare-and-set transitions, and
// propagates failures downstream. Every decision is derived from the
// store, so a scheduler restarted mid-run continues where the last one
// stopped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/run"
	"github.com/conveyorhq/conveyor/internal/store"
)

// Config bounds scheduler behavior. Zero values fall back to defaults so
// a partially filled config from file is usable as-is.
type Config struct {
	MaxParallel    int64         // in-flight attempts per run
	DefaultTimeout time.Duration // attempt timeout for tasks that set none
	DefaultRetry   dag.RetryPolicy
	Breaker        BreakerConfig
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    4,
		DefaultTimeout: 30 * time.Minute,
		DefaultRetry: dag.RetryPolicy{
			MaxRetries:          2,
			InitialInterval:     time.Second,
			MaxInterval:         5 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: DefaultBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxParallel <= 0 {
		c.MaxParallel = def.MaxParallel
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultRetry.InitialInterval <= 0 {
		c.DefaultRetry.InitialInterval = def.DefaultRetry.InitialInterval
	}
	if c.DefaultRetry.MaxInterval <= 0 {
		c.DefaultRetry.MaxInterval = def.DefaultRetry.MaxInterval
	}
	if c.DefaultRetry.Multiplier <= 0 {
		c.DefaultRetry.Multiplier = def.DefaultRetry.Multiplier
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = def.Breaker.MaxRequests
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = def.Breaker.Timeout
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = def.Breaker.ConsecutiveFailures
	}
	return c
}

// Scheduler executes runs against a store and an executor. One Scheduler
// serves many runs; each run is driven by a single ExecuteRun call.
type Scheduler struct {
	store    store.Store
	exec     executor.Executor
	bus      *events.Bus
	breakers *BreakerRegistry
	cfg      Config

	mu   sync.Mutex
	runs map[string]*runHandle
}

// runHandle tracks one executing run so CancelRun can reach it.
type runHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// New creates a Scheduler. bus may be nil when nothing consumes events.
func New(st store.Store, exec executor.Executor, bus *events.Bus, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:    st,
		exec:     exec,
		bus:      bus,
		breakers: NewBreakerRegistry(cfg.Breaker),
		cfg:      cfg,
		runs:     make(map[string]*runHandle),
	}
}

// CancelRun stops a run. If the run is executing in this process its
// context is cancelled and ExecuteRun finalizes the cancellation; in-flight
// attempts observe the cancellation and the attempt timeout is the
// backstop. Otherwise the store is swept directly: every non-terminal task
// becomes CANCELLED and the run status follows.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	h, executing := s.runs[runID]
	s.mu.Unlock()
	if executing {
		h.cancelled.Store(true)
		h.cancel()
		return nil
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %q: %w", runID, err)
	}
	if r.Status.Terminal() {
		return nil
	}

	recs, err := s.store.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks for run %q: %w", runID, err)
	}
	now := time.Now()
	for _, rec := range recs {
		if rec.State.Terminal() {
			continue
		}
		to := rec
		to.State = run.TaskCancelled
		to.Reason = "run cancelled"
		to.FinishedAt = now
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			return fmt.Errorf("cancel task %q: %w", rec.Task, err)
		}
	}
	if err := s.store.UpdateRunStatus(ctx, runID, run.StatusCancelled, now); err != nil {
		return fmt.Errorf("finish run %q: %w", runID, err)
	}
	s.publish(events.TopicRun, events.RunCompleted{
		RunID:     runID,
		Pipeline:  r.Pipeline,
		Status:    run.StatusCancelled,
		Timestamp: now,
	})
	return nil
}

// adopt claims a run for execution. A run executes at most once per
// process at a time.
func (s *Scheduler) adopt(ctx context.Context, runID string) (context.Context, *runHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return nil, nil, fmt.Errorf("run %q is already executing", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel}
	s.runs[runID] = h
	return runCtx, h, nil
}

func (s *Scheduler) releaseRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.runs[runID]; ok {
		h.cancel()
		delete(s.runs, runID)
	}
}

// swap persists one transition through the store's compare-and-set and
// publishes the matching event.
func (s *Scheduler) swap(ctx context.Context, from, to run.TaskRecord) error {
	guard := store.Guard{RunID: from.RunID, Task: from.Task, State: from.State, Attempt: from.Attempt}
	if err := s.store.SwapTask(ctx, guard, to); err != nil {
		return err
	}
	s.publish(events.TopicTask, events.TaskStateChanged{
		RunID:     to.RunID,
		Task:      to.Task,
		From:      from.State,
		To:        to.State,
		Attempt:   to.Attempt,
		Reason:    to.Reason,
		RetryAt:   to.RetryAt,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, ev)
}

// policyFor fills a task's unset backoff parameters from the configured
// defaults. MaxRetries is never touched: zero means the task runs once.
func (s *Scheduler) policyFor(t dag.Task) dag.RetryPolicy {
	p := t.Retry
	if p.InitialInterval <= 0 {
		p.InitialInterval = s.cfg.DefaultRetry.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = s.cfg.DefaultRetry.MaxInterval
	}
	if p.Multiplier <= 0 {
		p.Multiplier = s.cfg.DefaultRetry.Multiplier
	}
	return p
}
