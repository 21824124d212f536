package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/conveyorhq/conveyor/internal/ctxlog"
	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/run"
	"github.com/conveyorhq/conveyor/internal/store"
)

// execState is the in-memory view of one executing run. It is owned by
// the ExecuteRun loop: attempt goroutines only execute actions and report
// outcomes, every record mutation happens on the loop goroutine.
type execState struct {
	d        *dag.DAG
	run      run.Run
	recs     map[string]run.TaskRecord
	results  chan outcome
	sem      *semaphore.Weighted
	inflight int
}

// outcome is one finished (or timed-out) attempt.
type outcome struct {
	runID      string
	task       string
	attempt    int
	values     run.Values
	err        error
	reason     string
	timedOut   bool
	startedAt  time.Time
	finishedAt time.Time
}

func (st *execState) records() []run.TaskRecord {
	out := make([]run.TaskRecord, 0, len(st.recs))
	for _, rec := range st.recs {
		out = append(out, rec)
	}
	return out
}

// ready returns dispatchable records in topological order: PENDING tasks
// whose upstreams all succeeded, and RETRYING tasks whose backoff elapsed.
func (st *execState) ready(now time.Time) []run.TaskRecord {
	var out []run.TaskRecord
	for _, name := range st.d.TopoOrder() {
		rec := st.recs[name]
		switch rec.State {
		case run.TaskPending:
			task, _ := st.d.Task(name)
			blocked := false
			for _, dep := range task.DependsOn {
				if !st.recs[dep].State.Successful() {
					blocked = true
					break
				}
			}
			if !blocked {
				out = append(out, rec)
			}
		case run.TaskRetrying:
			if !rec.RetryAt.After(now) {
				out = append(out, rec)
			}
		}
	}
	return out
}

func (st *execState) nextRetryAt() (time.Time, bool) {
	var next time.Time
	found := false
	for _, rec := range st.recs {
		if rec.State != run.TaskRetrying {
			continue
		}
		if !found || rec.RetryAt.Before(next) {
			next = rec.RetryAt
			found = true
		}
	}
	return next, found
}

// upstream gathers the outputs of a task's direct dependencies.
func (st *execState) upstream(task dag.Task) map[string]run.Values {
	if len(task.DependsOn) == 0 {
		return nil
	}
	up := make(map[string]run.Values, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if out := st.recs[dep].Output; out != nil {
			up[dep] = out
		}
	}
	return up
}

// ExecuteRun drives the given run of the given DAG until every task is
// terminal, then persists and returns the run outcome. It is re-entrant:
// called on a half-finished run it first re-queues interrupted attempts,
// then continues from the persisted state. A run that is already terminal
// is returned unchanged.
//
// Store writes use ctx; runCtx (cancelled by CancelRun) only governs the
// attempts, so a cancellation can still persist its own finalization.
func (s *Scheduler) ExecuteRun(ctx context.Context, d *dag.DAG, runID string) (run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return run.Run{}, fmt.Errorf("load run %q: %w", runID, err)
	}
	if r.Pipeline != d.Name() {
		return run.Run{}, fmt.Errorf("run %q belongs to pipeline %q, not %q", runID, r.Pipeline, d.Name())
	}
	if r.Status.Terminal() {
		return r, nil
	}

	ctx = ctxlog.With(ctx, "run", runID, "pipeline", r.Pipeline)
	log := ctxlog.FromContext(ctx)

	runCtx, handle, err := s.adopt(ctx, runID)
	if err != nil {
		return run.Run{}, err
	}
	defer s.releaseRun(runID)

	st, err := s.prepare(ctx, d, r)
	if err != nil {
		return run.Run{}, err
	}

	log.Info("run started", "tasks", d.Len())

	for {
		if status := run.Summarize(st.records()); status.Terminal() {
			return s.finish(ctx, r, status)
		}
		if runCtx.Err() != nil {
			return s.interrupted(ctx, handle, st, r)
		}

		if err := s.dispatchReady(ctx, runCtx, st); err != nil {
			return run.Run{}, err
		}

		next, hasRetry := st.nextRetryAt()
		if st.inflight == 0 && !hasRetry {
			return run.Run{}, fmt.Errorf("run %q stalled: tasks remain but none can progress", runID)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasRetry {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		var applyErr error
		select {
		case o := <-st.results:
			st.inflight--
			applyErr = s.apply(ctx, st, o)
		case <-timerC:
		case <-runCtx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if applyErr != nil {
			return run.Run{}, applyErr
		}
	}
}

// prepare loads the run's task rows, checks them against the DAG and
// re-queues attempts interrupted by a crash. The attempt number of an
// interrupted attempt is kept and reused on re-dispatch, so interruptions
// never consume retry budget.
func (s *Scheduler) prepare(ctx context.Context, d *dag.DAG, r run.Run) (*execState, error) {
	recs, err := s.store.ListTasks(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %q: %w", r.ID, err)
	}
	if len(recs) != d.Len() {
		return nil, fmt.Errorf("run %q has %d task rows, pipeline %q defines %d", r.ID, len(recs), d.Name(), d.Len())
	}

	st := &execState{
		d:       d,
		run:     r,
		recs:    make(map[string]run.TaskRecord, len(recs)),
		results: make(chan outcome, s.cfg.MaxParallel),
		sem:     semaphore.NewWeighted(s.cfg.MaxParallel),
	}
	for _, rec := range recs {
		if _, ok := d.Task(rec.Task); !ok {
			return nil, fmt.Errorf("run %q holds task %q unknown to pipeline %q", r.ID, rec.Task, d.Name())
		}
		st.recs[rec.Task] = rec
	}

	for name, rec := range st.recs {
		if rec.State != run.TaskQueued && rec.State != run.TaskRunning {
			continue
		}
		to := rec
		to.State = run.TaskPending
		to.UpdatedAt = time.Now()
		if err := s.swap(ctx, rec, to); err != nil {
			return nil, fmt.Errorf("recover task %q: %w", name, err)
		}
		st.recs[name] = to
		ctxlog.FromContext(ctx).Info("re-queued interrupted task",
			"task", name, "attempt", rec.Attempt, "from", string(rec.State))
	}

	if err := s.settleUnreachable(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// settleUnreachable re-derives propagated terminal states that a crash
// may have cut short: a PENDING task whose upstream is FAILED,
// UPSTREAM_FAILED or CANCELLED can never run, and the rows marking it so
// are written after the upstream's own row, not atomically with it. The
// walk is in topological order so a freshly marked task propagates to its
// own dependents in the same pass.
func (s *Scheduler) settleUnreachable(ctx context.Context, st *execState) error {
	now := time.Now()
	for _, name := range st.d.TopoOrder() {
		rec := st.recs[name]
		if rec.State != run.TaskPending {
			continue
		}
		task, _ := st.d.Task(name)

		to := rec
		for _, dep := range task.DependsOn {
			switch st.recs[dep].State {
			case run.TaskFailed, run.TaskUpstreamFailed:
				to.State = run.TaskUpstreamFailed
				to.Reason = fmt.Sprintf("upstream task %q failed", dep)
			case run.TaskCancelled:
				if to.State != run.TaskUpstreamFailed {
					to.State = run.TaskCancelled
					to.Reason = "run cancelled"
				}
			}
		}
		if to.State == rec.State {
			continue
		}
		to.FinishedAt = now
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			return fmt.Errorf("settle task %q: %w", name, err)
		}
		st.recs[name] = to
		ctxlog.FromContext(ctx).Info("settled unreachable task",
			"task", name, "state", string(to.State), "reason", to.Reason)
	}
	return nil
}

// dispatchReady starts every ready task a concurrency slot is free for.
func (s *Scheduler) dispatchReady(ctx, runCtx context.Context, st *execState) error {
	for _, rec := range st.ready(time.Now()) {
		if !st.sem.TryAcquire(1) {
			return nil
		}
		if err := s.dispatch(ctx, runCtx, st, rec); err != nil {
			st.sem.Release(1)
			return err
		}
	}
	return nil
}

// dispatch moves one task PENDING/RETRYING -> QUEUED -> RUNNING and starts
// its attempt goroutine. A fresh dispatch and a retry allocate the next
// attempt number; a re-dispatch after crash recovery reuses the number the
// interrupted attempt held.
func (s *Scheduler) dispatch(ctx, runCtx context.Context, st *execState, rec run.TaskRecord) error {
	task, _ := st.d.Task(rec.Task)
	now := time.Now()

	queued := rec
	queued.State = run.TaskQueued
	queued.RetryAt = time.Time{}
	queued.UpdatedAt = now
	if err := s.swap(ctx, rec, queued); err != nil {
		return fmt.Errorf("queue task %q: %w", rec.Task, err)
	}

	attempt := queued.Attempt
	if rec.State == run.TaskRetrying || attempt == 0 {
		attempt++
	}

	running := queued
	running.State = run.TaskRunning
	running.Attempt = attempt
	running.StartedAt = now
	running.UpdatedAt = now
	if err := s.swap(ctx, queued, running); err != nil {
		return fmt.Errorf("start task %q: %w", rec.Task, err)
	}
	st.recs[rec.Task] = running

	rc := run.Context{
		RunID:       st.run.ID,
		Pipeline:    st.run.Pipeline,
		LogicalTime: st.run.LogicalTime,
		Task:        rec.Task,
		Attempt:     attempt,
		Params:      task.Action.Params,
		Upstream:    st.upstream(task),
	}

	ctxlog.FromContext(ctx).Info("task dispatched", "task", rec.Task, "attempt", attempt)

	st.inflight++
	go s.attempt(runCtx, st, task, attempt, rc)
	return nil
}

// attempt runs one execution attempt under its timeout and reports exactly
// one outcome. The timeout is enforced here, not in the executor: when it
// fires the attempt is reported failed immediately and whatever the action
// still returns is discarded.
func (s *Scheduler) attempt(ctx context.Context, st *execState, task dag.Task, attempt int, rc run.Context) {
	defer st.sem.Release(1)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		values, err := s.execute(attemptCtx, task, rc)
		done <- outcome{
			runID:      rc.RunID,
			task:       task.Name,
			attempt:    attempt,
			values:     values,
			err:        err,
			startedAt:  started,
			finishedAt: time.Now(),
		}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			o.timedOut = true
			o.reason = fmt.Sprintf("timeout after %s", timeout)
		}
		st.results <- o
	case <-attemptCtx.Done():
		o := outcome{
			runID:      rc.RunID,
			task:       task.Name,
			attempt:    attempt,
			err:        attemptCtx.Err(),
			startedAt:  started,
			finishedAt: time.Now(),
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			o.timedOut = true
			o.reason = fmt.Sprintf("timeout after %s", timeout)
		}
		st.results <- o
		go func() {
			late := <-done
			ctxlog.FromContext(ctx).Warn("late result discarded",
				"task", task.Name, "attempt", attempt, "err", late.err)
		}()
	}
}

// execute routes the attempt through the action kind's circuit breaker.
// An open breaker fails the attempt immediately; the retry backoff then
// spaces out the probes.
func (s *Scheduler) execute(ctx context.Context, task dag.Task, rc run.Context) (run.Values, error) {
	cb := s.breakers.Get(task.Action.Kind)
	result, err := cb.Execute(func() (interface{}, error) {
		return s.exec.Execute(ctx, task, rc)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("action kind %q suspended: %w", task.Action.Kind, err)
		}
		return nil, err
	}
	values, _ := result.(run.Values)
	return values, nil
}

// apply folds one outcome into the run. The record must still be RUNNING
// at the reported attempt; anything else is a zombie outcome and is
// dropped without touching the store.
func (s *Scheduler) apply(ctx context.Context, st *execState, o outcome) error {
	log := ctxlog.FromContext(ctx)

	rec, ok := st.recs[o.task]
	if !ok || rec.State != run.TaskRunning || rec.Attempt != o.attempt {
		log.Warn("dropping stale outcome",
			"task", o.task, "attempt", o.attempt, "state", string(rec.State))
		return nil
	}
	now := time.Now()

	if o.err == nil {
		to := rec
		to.State = run.TaskSucceeded
		to.Output = o.values
		to.Reason = ""
		to.FinishedAt = o.finishedAt
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				log.Warn("dropping stale success", "task", o.task, "attempt", o.attempt)
				return nil
			}
			return fmt.Errorf("record success of task %q: %w", o.task, err)
		}
		st.recs[o.task] = to
		s.recordAttempt(ctx, o, "succeeded", "")
		log.Info("task succeeded", "task", o.task, "attempt", o.attempt)
		return nil
	}

	reason := o.reason
	if reason == "" {
		reason = o.err.Error()
	}
	label := "failed"
	if o.timedOut {
		label = "timeout"
	}

	task, _ := st.d.Task(o.task)
	policy := s.policyFor(task)

	if o.attempt <= policy.MaxRetries {
		delay := policy.Delay(o.attempt + 1)
		to := rec
		to.State = run.TaskRetrying
		to.Reason = reason
		to.RetryAt = now.Add(delay)
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				log.Warn("dropping stale failure", "task", o.task, "attempt", o.attempt)
				return nil
			}
			return fmt.Errorf("record retry of task %q: %w", o.task, err)
		}
		st.recs[o.task] = to
		s.recordAttempt(ctx, o, label, reason)
		log.Warn("task attempt failed, retrying",
			"task", o.task, "attempt", o.attempt, "retry_in", delay.String(), "reason", reason)
		return nil
	}

	to := rec
	to.State = run.TaskFailed
	to.Reason = reason
	to.FinishedAt = o.finishedAt
	to.UpdatedAt = now
	if err := s.swap(ctx, rec, to); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Warn("dropping stale failure", "task", o.task, "attempt", o.attempt)
			return nil
		}
		return fmt.Errorf("record failure of task %q: %w", o.task, err)
	}
	st.recs[o.task] = to
	s.recordAttempt(ctx, o, label, reason)
	log.Error("task failed", "task", o.task, "attempt", o.attempt, "reason", reason)

	return s.failDownstream(ctx, st, o.task)
}

// failDownstream marks every still-PENDING transitive dependent of a
// failed task UPSTREAM_FAILED in one pass. Tasks in other states are left
// alone: their upstreams already succeeded.
func (s *Scheduler) failDownstream(ctx context.Context, st *execState, failed string) error {
	now := time.Now()
	for _, name := range st.d.TransitiveDownstream(failed) {
		rec := st.recs[name]
		if rec.State != run.TaskPending {
			continue
		}
		to := rec
		to.State = run.TaskUpstreamFailed
		to.Reason = fmt.Sprintf("upstream task %q failed", failed)
		to.FinishedAt = now
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			return fmt.Errorf("mark task %q upstream-failed: %w", name, err)
		}
		st.recs[name] = to
	}
	return nil
}

// interrupted finalizes a run whose context was cancelled. An explicit
// CancelRun drains in-flight attempts and cancels everything non-terminal;
// a process shutdown leaves the rows untouched for recovery.
func (s *Scheduler) interrupted(ctx context.Context, handle *runHandle, st *execState, r run.Run) (run.Run, error) {
	log := ctxlog.FromContext(ctx)

	if !handle.cancelled.Load() {
		log.Info("run interrupted, state kept for recovery", "inflight", st.inflight)
		return r, ctx.Err()
	}

	// Every attempt goroutine reports exactly once, so this drain is
	// bounded. A success that raced the cancellation still counts.
	now := time.Now()
	for st.inflight > 0 {
		o := <-st.results
		st.inflight--
		rec, ok := st.recs[o.task]
		if !ok || rec.State != run.TaskRunning || rec.Attempt != o.attempt {
			continue
		}
		if o.err == nil {
			if err := s.apply(ctx, st, o); err != nil {
				return run.Run{}, err
			}
			continue
		}
		to := rec
		to.State = run.TaskCancelled
		to.Reason = "run cancelled"
		to.FinishedAt = now
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			return run.Run{}, fmt.Errorf("cancel task %q: %w", o.task, err)
		}
		st.recs[o.task] = to
		s.recordAttempt(ctx, o, "cancelled", to.Reason)
	}

	for _, name := range st.d.TopoOrder() {
		rec := st.recs[name]
		if rec.State.Terminal() {
			continue
		}
		to := rec
		to.State = run.TaskCancelled
		to.Reason = "run cancelled"
		to.FinishedAt = now
		to.UpdatedAt = now
		if err := s.swap(ctx, rec, to); err != nil {
			return run.Run{}, fmt.Errorf("cancel task %q: %w", name, err)
		}
		st.recs[name] = to
	}

	return s.finish(ctx, r, run.Summarize(st.records()))
}

// finish persists the terminal run status and announces it.
func (s *Scheduler) finish(ctx context.Context, r run.Run, status run.Status) (run.Run, error) {
	finishedAt := time.Now()
	if err := s.store.UpdateRunStatus(ctx, r.ID, status, finishedAt); err != nil {
		return run.Run{}, fmt.Errorf("finish run %q: %w", r.ID, err)
	}
	r.Status = status
	r.FinishedAt = finishedAt
	s.publish(events.TopicRun, events.RunCompleted{
		RunID:     r.ID,
		Pipeline:  r.Pipeline,
		Status:    status,
		Timestamp: finishedAt,
	})
	ctxlog.FromContext(ctx).Info("run finished", "status", string(status))
	return r, nil
}

// recordAttempt appends to the audit trail. Trail writes never fail a run.
func (s *Scheduler) recordAttempt(ctx context.Context, o outcome, label, reason string) {
	a := store.Attempt{
		RunID:      o.runID,
		Task:       o.task,
		Attempt:    o.attempt,
		Outcome:    label,
		Reason:     reason,
		StartedAt:  o.startedAt,
		FinishedAt: o.finishedAt,
	}
	if err := s.store.AppendAttempt(ctx, a); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to record attempt",
			"task", o.task, "attempt", o.attempt, "err", err)
	}
}
