package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/run"
	"github.com/conveyorhq/conveyor/internal/store"
)

type fixture struct {
	store *store.SQLiteStore
	local *executor.Local
	bus   *events.Bus
	sched *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	local := executor.NewLocal()
	router := executor.NewRouter()
	router.Register("local", local)

	bus := events.NewBus(0)
	t.Cleanup(bus.Close)

	return &fixture{
		store: st,
		local: local,
		bus:   bus,
		sched: New(st, router, bus, cfg),
	}
}

func (f *fixture) register(t *testing.T, name string, fn executor.ActionFunc) {
	t.Helper()
	if err := f.local.Register(name, fn); err != nil {
		t.Fatalf("register action %q: %v", name, err)
	}
}

func (f *fixture) createRun(t *testing.T, d *dag.DAG, logical time.Time) run.Run {
	t.Helper()
	r := run.Run{
		ID:          run.NewID(),
		Pipeline:    d.Name(),
		Version:     d.Version(),
		LogicalTime: logical,
		Status:      run.StatusRunning,
		CreatedAt:   time.Now(),
	}
	created, err := f.store.CreateRun(context.Background(), r, d.TopoOrder())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if !created {
		t.Fatal("run was not created")
	}
	return r
}

func (f *fixture) taskState(t *testing.T, runID, task string) run.TaskRecord {
	t.Helper()
	rec, err := f.store.GetTask(context.Background(), runID, task)
	if err != nil {
		t.Fatalf("get task %q: %v", task, err)
	}
	return rec
}

func mustDAG(t *testing.T, name string, tasks ...dag.Task) *dag.DAG {
	t.Helper()
	b := dag.NewBuilder()
	for _, task := range tasks {
		if err := b.Add(task); err != nil {
			t.Fatalf("add task %q: %v", task.Name, err)
		}
	}
	d, err := b.Build(name, "v1")
	if err != nil {
		t.Fatalf("build dag: %v", err)
	}
	return d
}

func localTask(name string, deps ...string) dag.Task {
	return dag.Task{
		Name:      name,
		Action:    dag.Action{Kind: "local", Name: name},
		DependsOn: deps,
	}
}

func fastRetry(maxRetries int) dag.RetryPolicy {
	return dag.RetryPolicy{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

// TestExecuteRunLinearChain runs extract -> transform -> load and checks
// ordering, output flow and persisted state.
func TestExecuteRunLinearChain(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	var mu sync.Mutex
	var order []string
	var transformSaw run.Values

	f.register(t, "extract", func(ctx context.Context, rc run.Context) (run.Values, error) {
		mu.Lock()
		order = append(order, "extract")
		mu.Unlock()
		return run.Values{"rows": "100"}, nil
	})
	f.register(t, "transform", func(ctx context.Context, rc run.Context) (run.Values, error) {
		mu.Lock()
		order = append(order, "transform")
		transformSaw = rc.Upstream["extract"]
		mu.Unlock()
		return run.Values{"rows": "97"}, nil
	})
	f.register(t, "load", func(ctx context.Context, rc run.Context) (run.Values, error) {
		mu.Lock()
		order = append(order, "load")
		mu.Unlock()
		return nil, nil
	})

	d := mustDAG(t, "etl",
		localTask("extract"),
		localTask("transform", "extract"),
		localTask("load", "transform"),
	)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	if got.Status != run.StatusSucceeded {
		t.Errorf("run status = %s, want %s", got.Status, run.StatusSucceeded)
	}
	if got.FinishedAt.IsZero() {
		t.Error("run finished without FinishedAt")
	}

	want := []string{"extract", "transform", "load"}
	mu.Lock()
	for i, name := range want {
		if i >= len(order) || order[i] != name {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
	if transformSaw["rows"] != "100" {
		t.Errorf("transform saw upstream %v, want rows=100", transformSaw)
	}
	mu.Unlock()

	for _, name := range want {
		rec := f.taskState(t, r.ID, name)
		if rec.State != run.TaskSucceeded {
			t.Errorf("task %q state = %s, want SUCCEEDED", name, rec.State)
		}
		if rec.Attempt != 1 {
			t.Errorf("task %q attempt = %d, want 1", name, rec.Attempt)
		}
	}
	rec := f.taskState(t, r.ID, "extract")
	if rec.Output["rows"] != "100" {
		t.Errorf("extract output = %v, want rows=100", rec.Output)
	}
}

// TestDispatchOrderDeterministic pins the ready-set ordering: with one
// slot, independent tasks run in topological-then-lexical order.
func TestDispatchOrderDeterministic(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"banana", "apple", "cherry"} {
		name := name
		f.register(t, name, func(ctx context.Context, rc run.Context) (run.Values, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		})
	}

	d := mustDAG(t, "fruit",
		localTask("banana"),
		localTask("apple"),
		localTask("cherry"),
	)
	r := f.createRun(t, d, time.Now())

	if _, err := f.sched.ExecuteRun(context.Background(), d, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	want := []string{"apple", "banana", "cherry"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

// TestAtMostOnceDispatch checks that no task executes twice and that the
// concurrency bound holds.
func TestAtMostOnceDispatch(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	var mu sync.Mutex
	counts := map[string]int{}
	current, peak := 0, 0

	work := func(name string) executor.ActionFunc {
		return func(ctx context.Context, rc run.Context) (run.Values, error) {
			mu.Lock()
			counts[name]++
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return nil, nil
		}
	}
	for _, name := range []string{"seed", "shard_a", "shard_b", "shard_c", "merge"} {
		f.register(t, name, work(name))
	}

	d := mustDAG(t, "fanout",
		localTask("seed"),
		localTask("shard_a", "seed"),
		localTask("shard_b", "seed"),
		localTask("shard_c", "seed"),
		localTask("merge", "shard_a", "shard_b", "shard_c"),
	)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED", got.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	for name, n := range counts {
		if n != 1 {
			t.Errorf("task %q executed %d times, want 1", name, n)
		}
	}
	if len(counts) != 5 {
		t.Errorf("executed %d distinct tasks, want 5", len(counts))
	}
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak)
	}
}

// TestFailurePropagation checks UPSTREAM_FAILED fan-out and that an
// unaffected branch still completes.
func TestFailurePropagation(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 4})

	f.register(t, "extract", func(ctx context.Context, rc run.Context) (run.Values, error) {
		return run.Values{"rows": "10"}, nil
	})
	f.register(t, "transform", func(ctx context.Context, rc run.Context) (run.Values, error) {
		return nil, errors.New("bad partition key")
	})
	f.register(t, "load", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("load must not run after transform failed")
		return nil, nil
	})
	f.register(t, "audit", func(ctx context.Context, rc run.Context) (run.Values, error) {
		return nil, nil
	})

	d := mustDAG(t, "etl",
		localTask("extract"),
		localTask("transform", "extract"),
		localTask("load", "transform"),
		localTask("audit", "extract"),
	)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("run status = %s, want FAILED", got.Status)
	}

	tests := []struct {
		task string
		want run.TaskState
	}{
		{"extract", run.TaskSucceeded},
		{"transform", run.TaskFailed},
		{"load", run.TaskUpstreamFailed},
		{"audit", run.TaskSucceeded},
	}
	for _, tt := range tests {
		rec := f.taskState(t, r.ID, tt.task)
		if rec.State != tt.want {
			t.Errorf("task %q state = %s, want %s", tt.task, rec.State, tt.want)
		}
	}

	rec := f.taskState(t, r.ID, "transform")
	if rec.Reason != "bad partition key" {
		t.Errorf("transform reason = %q", rec.Reason)
	}
	rec = f.taskState(t, r.ID, "load")
	if !strings.Contains(rec.Reason, "transform") {
		t.Errorf("load reason = %q, want mention of transform", rec.Reason)
	}
}

// TestRetryThenSuccess checks that a flaky task retries per policy and
// the audit trail records every attempt.
func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1})

	var mu sync.Mutex
	calls := 0
	f.register(t, "flaky", func(ctx context.Context, rc run.Context) (run.Values, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("connection reset (call %d)", n)
		}
		return run.Values{"ok": "true"}, nil
	})

	task := localTask("flaky")
	task.Retry = fastRetry(3)
	d := mustDAG(t, "flaky-pipe", task)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED", got.Status)
	}

	rec := f.taskState(t, r.ID, "flaky")
	if rec.State != run.TaskSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", rec.State)
	}
	if rec.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", rec.Attempt)
	}
	if rec.Reason != "" {
		t.Errorf("reason = %q, want empty after success", rec.Reason)
	}

	attempts, err := f.store.ListAttempts(context.Background(), r.ID, "flaky")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("recorded %d attempts, want 3", len(attempts))
	}
	wantOutcomes := []string{"failed", "failed", "succeeded"}
	for i, a := range attempts {
		if a.Outcome != wantOutcomes[i] {
			t.Errorf("attempt %d outcome = %q, want %q", a.Attempt, a.Outcome, wantOutcomes[i])
		}
	}
	if !strings.Contains(attempts[0].Reason, "connection reset") {
		t.Errorf("attempt 1 reason = %q", attempts[0].Reason)
	}
}

// TestRetryExhaustion checks FAILED after the retry budget is spent.
func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1})

	f.register(t, "doomed", func(ctx context.Context, rc run.Context) (run.Values, error) {
		return nil, errors.New("schema mismatch")
	})

	task := localTask("doomed")
	task.Retry = fastRetry(1)
	d := mustDAG(t, "doomed-pipe", task)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("run status = %s, want FAILED", got.Status)
	}

	rec := f.taskState(t, r.ID, "doomed")
	if rec.State != run.TaskFailed {
		t.Errorf("state = %s, want FAILED", rec.State)
	}
	if rec.Attempt != 2 {
		t.Errorf("attempt = %d, want 2 (initial + one retry)", rec.Attempt)
	}
	if rec.Reason != "schema mismatch" {
		t.Errorf("reason = %q", rec.Reason)
	}

	attempts, err := f.store.ListAttempts(context.Background(), r.ID, "doomed")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("recorded %d attempts, want 2", len(attempts))
	}
}

// TestTimeoutZombieGuard checks that the scheduler enforces the attempt
// timeout and that the late result never overwrites the timeout failure.
func TestTimeoutZombieGuard(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1})

	finished := make(chan struct{})
	f.register(t, "slow", func(ctx context.Context, rc run.Context) (run.Values, error) {
		// Deliberately ignores ctx: the scheduler must not wait for it.
		time.Sleep(300 * time.Millisecond)
		close(finished)
		return run.Values{"late": "result"}, nil
	})

	task := localTask("slow")
	task.Timeout = 30 * time.Millisecond
	d := mustDAG(t, "slow-pipe", task)
	r := f.createRun(t, d, time.Now())

	start := time.Now()
	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ExecuteRun took %s, timeout was not enforced", elapsed)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("run status = %s, want FAILED", got.Status)
	}

	rec := f.taskState(t, r.ID, "slow")
	if rec.State != run.TaskFailed {
		t.Errorf("state = %s, want FAILED", rec.State)
	}
	if !strings.Contains(rec.Reason, "timeout") {
		t.Errorf("reason = %q, want timeout", rec.Reason)
	}

	// Let the zombie attempt finish, then confirm nothing changed.
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("slow action never finished")
	}
	time.Sleep(20 * time.Millisecond)

	rec = f.taskState(t, r.ID, "slow")
	if rec.State != run.TaskFailed {
		t.Errorf("late result flipped state to %s", rec.State)
	}
	if rec.Output != nil {
		t.Errorf("late result wrote output %v", rec.Output)
	}
}

// TestCrashRecovery seeds the store as a crashed process would have left
// it and checks the rerun completes without repeating finished work.
func TestCrashRecovery(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	var mu sync.Mutex
	executed := map[string]int{}
	record := func(name string, values run.Values) executor.ActionFunc {
		return func(ctx context.Context, rc run.Context) (run.Values, error) {
			mu.Lock()
			executed[name]++
			mu.Unlock()
			return values, nil
		}
	}
	f.register(t, "extract", record("extract", run.Values{"rows": "5"}))
	f.register(t, "transform", record("transform", nil))
	f.register(t, "load", record("load", nil))

	d := mustDAG(t, "etl",
		localTask("extract"),
		localTask("transform", "extract"),
		localTask("load", "transform"),
	)
	r := f.createRun(t, d, time.Now())
	ctx := context.Background()

	// Simulate the crash: extract finished, transform was mid-attempt.
	now := time.Now()
	seed := []run.TaskRecord{
		{RunID: r.ID, Task: "extract", State: run.TaskSucceeded, Attempt: 1,
			Output: run.Values{"rows": "5"}, StartedAt: now, FinishedAt: now, UpdatedAt: now},
		{RunID: r.ID, Task: "transform", State: run.TaskRunning, Attempt: 1,
			StartedAt: now, UpdatedAt: now},
	}
	for _, rec := range seed {
		if err := f.store.SaveTask(ctx, rec); err != nil {
			t.Fatalf("seed task %q: %v", rec.Task, err)
		}
	}

	got, err := f.sched.ExecuteRun(ctx, d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED", got.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if executed["extract"] != 0 {
		t.Errorf("extract re-executed %d times after success", executed["extract"])
	}
	if executed["transform"] != 1 {
		t.Errorf("transform executed %d times, want 1", executed["transform"])
	}
	if executed["load"] != 1 {
		t.Errorf("load executed %d times, want 1", executed["load"])
	}

	// The interrupted attempt number is reused, not charged.
	rec := f.taskState(t, r.ID, "transform")
	if rec.Attempt != 1 {
		t.Errorf("transform attempt = %d, want 1", rec.Attempt)
	}
	down := f.taskState(t, r.ID, "load")
	if down.State != run.TaskSucceeded {
		t.Errorf("load state = %s, want SUCCEEDED", down.State)
	}
}

// TestCrashRecoveryAfterFailureBeforePropagation seeds the store as a
// process would leave it crashing between persisting a task's FAILED row
// and marking its dependents: the rerun must settle the dependents from
// the persisted states and reach run FAILED instead of stalling.
func TestCrashRecoveryAfterFailureBeforePropagation(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	f.register(t, "ingest", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("ingest re-executed after success")
		return nil, nil
	})
	f.register(t, "transform", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("transform re-executed after terminal failure")
		return nil, nil
	})
	f.register(t, "analyze", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("analyze must not run: its upstream failed")
		return nil, nil
	})

	d := mustDAG(t, "etl",
		localTask("ingest"),
		localTask("transform", "ingest"),
		localTask("analyze", "transform"),
	)
	r := f.createRun(t, d, time.Now())
	ctx := context.Background()

	now := time.Now()
	seed := []run.TaskRecord{
		{RunID: r.ID, Task: "ingest", State: run.TaskSucceeded, Attempt: 1,
			StartedAt: now, FinishedAt: now, UpdatedAt: now},
		{RunID: r.ID, Task: "transform", State: run.TaskFailed, Attempt: 2,
			Reason: "schema mismatch", StartedAt: now, FinishedAt: now, UpdatedAt: now},
	}
	for _, rec := range seed {
		if err := f.store.SaveTask(ctx, rec); err != nil {
			t.Fatalf("seed task %q: %v", rec.Task, err)
		}
	}

	got, err := f.sched.ExecuteRun(ctx, d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("run status = %s, want FAILED", got.Status)
	}

	rec := f.taskState(t, r.ID, "analyze")
	if rec.State != run.TaskUpstreamFailed {
		t.Errorf("analyze state = %s, want UPSTREAM_FAILED", rec.State)
	}
	if !strings.Contains(rec.Reason, "transform") {
		t.Errorf("analyze reason = %q, want mention of transform", rec.Reason)
	}
	rec = f.taskState(t, r.ID, "transform")
	if rec.State != run.TaskFailed || rec.Reason != "schema mismatch" {
		t.Errorf("transform = %s %q, want FAILED with the original reason", rec.State, rec.Reason)
	}
}

// TestCrashRecoveryTransitivePropagation checks the settling pass reaches
// dependents of dependents: only the root of the failed subtree is
// persisted FAILED, everything below must follow in one resume.
func TestCrashRecoveryTransitivePropagation(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	for _, name := range []string{"seed", "shard", "merge", "publish"} {
		name := name
		f.register(t, name, func(ctx context.Context, rc run.Context) (run.Values, error) {
			t.Errorf("task %q must not run", name)
			return nil, nil
		})
	}

	d := mustDAG(t, "fan",
		localTask("seed"),
		localTask("shard", "seed"),
		localTask("merge", "shard"),
		localTask("publish", "merge"),
	)
	r := f.createRun(t, d, time.Now())
	ctx := context.Background()

	now := time.Now()
	if err := f.store.SaveTask(ctx, run.TaskRecord{
		RunID: r.ID, Task: "seed", State: run.TaskFailed, Attempt: 1,
		Reason: "source unreachable", StartedAt: now, FinishedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	got, err := f.sched.ExecuteRun(ctx, d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("run status = %s, want FAILED", got.Status)
	}
	for _, name := range []string{"shard", "merge", "publish"} {
		rec := f.taskState(t, r.ID, name)
		if rec.State != run.TaskUpstreamFailed {
			t.Errorf("task %q state = %s, want UPSTREAM_FAILED", name, rec.State)
		}
	}
}

// TestCrashRecoveryFinishesCancelSweep seeds a run interrupted mid-cancel:
// the upstream is already CANCELLED, its dependent still PENDING. The
// rerun must finish the sweep and land the run CANCELLED.
func TestCrashRecoveryFinishesCancelSweep(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	f.register(t, "extract", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("extract re-executed after cancellation")
		return nil, nil
	})
	f.register(t, "load", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("load must not run: its upstream was cancelled")
		return nil, nil
	})

	d := mustDAG(t, "swept", localTask("extract"), localTask("load", "extract"))
	r := f.createRun(t, d, time.Now())
	ctx := context.Background()

	now := time.Now()
	if err := f.store.SaveTask(ctx, run.TaskRecord{
		RunID: r.ID, Task: "extract", State: run.TaskCancelled, Attempt: 1,
		Reason: "run cancelled", FinishedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	got, err := f.sched.ExecuteRun(ctx, d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusCancelled {
		t.Errorf("run status = %s, want CANCELLED", got.Status)
	}
	rec := f.taskState(t, r.ID, "load")
	if rec.State != run.TaskCancelled {
		t.Errorf("load state = %s, want CANCELLED", rec.State)
	}
}

// TestCancelRun cancels a run mid-flight and checks every task lands in a
// terminal state with the executor observing the cancellation.
func TestCancelRun(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2})

	var observed sync.WaitGroup
	observed.Add(2)
	started := make(chan string, 2)
	block := func(name string) executor.ActionFunc {
		return func(ctx context.Context, rc run.Context) (run.Values, error) {
			started <- name
			select {
			case <-ctx.Done():
				observed.Done()
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, errors.New("never cancelled")
			}
		}
	}
	f.register(t, "left", block("left"))
	f.register(t, "right", block("right"))

	d := mustDAG(t, "pair", localTask("left"), localTask("right"))
	r := f.createRun(t, d, time.Now())

	type result struct {
		run run.Run
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
		resCh <- result{got, err}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks never started")
		}
	}

	if err := f.sched.CancelRun(context.Background(), r.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	var res result
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteRun did not return after cancel")
	}
	if res.err != nil {
		t.Fatalf("ExecuteRun after cancel: %v", res.err)
	}
	if res.run.Status != run.StatusCancelled {
		t.Errorf("run status = %s, want CANCELLED", res.run.Status)
	}

	recs, err := f.store.ListTasks(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, rec := range recs {
		if !rec.State.Terminal() {
			t.Errorf("task %q left non-terminal state %s", rec.Task, rec.State)
		}
		if rec.State != run.TaskCancelled {
			t.Errorf("task %q state = %s, want CANCELLED", rec.Task, rec.State)
		}
	}

	observed.Wait()
}

// TestCancelIdleRun cancels a run no scheduler is executing.
func TestCancelIdleRun(t *testing.T) {
	f := newFixture(t, Config{})

	d := mustDAG(t, "idle", localTask("only"))
	r := f.createRun(t, d, time.Now())

	if err := f.sched.CancelRun(context.Background(), r.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	rec := f.taskState(t, r.ID, "only")
	if rec.State != run.TaskCancelled {
		t.Errorf("task state = %s, want CANCELLED", rec.State)
	}
	got, err := f.store.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != run.StatusCancelled {
		t.Errorf("run status = %s, want CANCELLED", got.Status)
	}

	// Cancelling again is a no-op.
	if err := f.sched.CancelRun(context.Background(), r.ID); err != nil {
		t.Fatalf("second CancelRun: %v", err)
	}
}

// TestTerminalRunNotRedispatched checks ExecuteRun returns a finished run
// without touching the executor.
func TestTerminalRunNotRedispatched(t *testing.T) {
	f := newFixture(t, Config{})

	f.register(t, "only", func(ctx context.Context, rc run.Context) (run.Values, error) {
		t.Error("executor called for a terminal run")
		return nil, nil
	})

	d := mustDAG(t, "done", localTask("only"))
	r := f.createRun(t, d, time.Now())
	ctx := context.Background()

	if err := f.store.UpdateRunStatus(ctx, r.ID, run.StatusSucceeded, time.Now()); err != nil {
		t.Fatalf("update run status: %v", err)
	}

	got, err := f.sched.ExecuteRun(ctx, d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusSucceeded {
		t.Errorf("run status = %s, want SUCCEEDED", got.Status)
	}
}

// TestConcurrentExecuteRejected checks the single-driver guard.
func TestConcurrentExecuteRejected(t *testing.T) {
	f := newFixture(t, Config{})

	release := make(chan struct{})
	startedCh := make(chan struct{})
	var once sync.Once
	f.register(t, "hold", func(ctx context.Context, rc run.Context) (run.Values, error) {
		once.Do(func() { close(startedCh) })
		<-release
		return nil, nil
	})

	d := mustDAG(t, "held", localTask("hold"))
	r := f.createRun(t, d, time.Now())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = f.sched.ExecuteRun(context.Background(), d, r.ID)
	}()

	select {
	case <-startedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first ExecuteRun never started")
	}

	_, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err == nil {
		t.Fatal("second ExecuteRun succeeded, want already-executing error")
	}
	if !strings.Contains(err.Error(), "already executing") {
		t.Errorf("error = %v", err)
	}

	close(release)
	select {
	case <-firstDone:
	case <-time.After(5 * time.Second):
		t.Fatal("first ExecuteRun never finished")
	}
}

// TestUnknownActionKind checks a routing miss fails the task like any
// action failure.
func TestUnknownActionKind(t *testing.T) {
	f := newFixture(t, Config{})

	task := dag.Task{Name: "mystery", Action: dag.Action{Kind: "teleport"}}
	d := mustDAG(t, "mystery-pipe", task)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("run status = %s, want FAILED", got.Status)
	}
	rec := f.taskState(t, r.ID, "mystery")
	if !strings.Contains(rec.Reason, "teleport") {
		t.Errorf("reason = %q, want unknown kind mention", rec.Reason)
	}
}

// TestTransitionEvents checks the published per-task event sequence.
func TestTransitionEvents(t *testing.T) {
	f := newFixture(t, Config{})

	f.register(t, "only", func(ctx context.Context, rc run.Context) (run.Values, error) {
		return nil, nil
	})

	taskCh := f.bus.Subscribe(events.TopicTask, 64)
	runCh := f.bus.Subscribe(events.TopicRun, 16)

	d := mustDAG(t, "evented", localTask("only"))
	r := f.createRun(t, d, time.Now())

	if _, err := f.sched.ExecuteRun(context.Background(), d, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	var got []string
	for len(got) < 3 {
		select {
		case ev := <-taskCh:
			got = append(got, ev.EventType())
		case <-time.After(time.Second):
			t.Fatalf("task events = %v, want 3", got)
		}
	}
	want := []string{"task.queued", "task.running", "task.succeeded"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("task events = %v, want %v", got, want)
		}
	}

	select {
	case ev := <-runCh:
		if ev.EventType() != events.EventTypeRunCompleted {
			t.Errorf("run event = %q, want run.completed", ev.EventType())
		}
	case <-time.After(time.Second):
		t.Fatal("no run completion event")
	}
}

// TestBreakerSuspendsFailingKind checks that consecutive real failures
// open the kind's breaker and later attempts fail fast as suspended.
func TestBreakerSuspendsFailingKind(t *testing.T) {
	cfg := Config{
		MaxParallel: 1,
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Timeout:             time.Minute,
			ConsecutiveFailures: 2,
		},
	}
	f := newFixture(t, cfg)

	var mu sync.Mutex
	calls := 0
	f.register(t, "down", func(ctx context.Context, rc run.Context) (run.Values, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("warehouse unreachable")
	})

	task := localTask("down")
	task.Retry = fastRetry(4)
	d := mustDAG(t, "down-pipe", task)
	r := f.createRun(t, d, time.Now())

	got, err := f.sched.ExecuteRun(context.Background(), d, r.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Fatalf("run status = %s, want FAILED", got.Status)
	}

	// Two real calls trip the breaker; the remaining attempts fail fast.
	mu.Lock()
	if calls != 2 {
		t.Errorf("executor called %d times, want 2", calls)
	}
	mu.Unlock()

	rec := f.taskState(t, r.ID, "down")
	if !strings.Contains(rec.Reason, "suspended") {
		t.Errorf("final reason = %q, want suspended", rec.Reason)
	}

	attempts, err := f.store.ListAttempts(context.Background(), r.ID, "down")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 5 {
		t.Errorf("recorded %d attempts, want 5", len(attempts))
	}
}
