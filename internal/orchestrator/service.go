// Package orchestrator assembles the moving parts into one service:
// loaded pipeline definitions, the trigger service, per-pipeline
// schedulers and the store underneath them all. The CLI talks to this
// facade only.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/pipeline"
	"github.com/conveyorhq/conveyor/internal/run"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/trigger"
)

// Service owns the orchestration state of one process.
type Service struct {
	cfg     *config.Config
	store   store.Store
	bus     *events.Bus
	exec    executor.Executor
	trigger *trigger.Service

	mu        sync.RWMutex
	pipelines map[string]*entry
}

// entry pairs a loaded pipeline with the scheduler configured for it.
// Each pipeline gets its own scheduler so its declared limits and its
// breaker state stay isolated from the others.
type entry struct {
	pipeline *pipeline.Pipeline
	sched    *scheduler.Scheduler
}

// New assembles a service. The executor is usually a Router with the
// command and local executors registered.
func New(cfg *config.Config, st store.Store, bus *events.Bus, exec executor.Executor) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		exec:      exec,
		trigger:   trigger.New(st, bus),
		pipelines: make(map[string]*entry),
	}
}

// LoadPipelines reads every definition under path and replaces the
// loaded set. Meant to be called once, before Serve.
func (s *Service) LoadPipelines(path string) error {
	loaded, err := pipeline.Load(path, s.cfg.Retry.Policy())
	if err != nil {
		return err
	}

	entries := make(map[string]*entry, len(loaded))
	for _, p := range loaded {
		entries[p.Name()] = &entry{
			pipeline: p,
			sched:    scheduler.New(s.store, s.exec, s.bus, s.schedulerConfig(p)),
		}
	}

	s.mu.Lock()
	s.pipelines = entries
	s.mu.Unlock()
	return nil
}

// schedulerConfig renders the configuration for one pipeline: its own
// declared limits over the configured defaults.
func (s *Service) schedulerConfig(p *pipeline.Pipeline) scheduler.Config {
	cfg := scheduler.Config{
		MaxParallel:    s.cfg.MaxParallel,
		DefaultTimeout: time.Duration(s.cfg.DefaultTimeout),
		DefaultRetry:   s.cfg.Retry.Policy(),
		Breaker: scheduler.BreakerConfig{
			MaxRequests:         s.cfg.Breaker.MaxRequests,
			Timeout:             time.Duration(s.cfg.Breaker.Timeout),
			ConsecutiveFailures: s.cfg.Breaker.ConsecutiveFailures,
		},
	}
	if p.MaxParallel > 0 {
		cfg.MaxParallel = p.MaxParallel
	}
	if p.DefaultTimeout > 0 {
		cfg.DefaultTimeout = p.DefaultTimeout
	}
	return cfg
}

// Pipelines returns the loaded pipelines sorted by name.
func (s *Service) Pipelines() []*pipeline.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		out = append(out, e.pipeline)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Service) entry(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	return e, nil
}

// TriggerNow creates the run for (pipeline, logicalTime), or finds the
// existing one: triggering the same window twice is a no-op.
func (s *Service) TriggerNow(ctx context.Context, name string, logicalTime time.Time) (run.Run, bool, error) {
	e, err := s.entry(name)
	if err != nil {
		return run.Run{}, false, err
	}
	return s.trigger.Trigger(ctx, e.pipeline.DAG, logicalTime)
}

// ExecuteRun drives a previously triggered run to a terminal state.
func (s *Service) ExecuteRun(ctx context.Context, runID string) (run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return run.Run{}, err
	}
	e, err := s.entry(r.Pipeline)
	if err != nil {
		return run.Run{}, err
	}
	return e.sched.ExecuteRun(ctx, e.pipeline.DAG, runID)
}

// CancelRun cancels a run, whether it is executing in this process or
// only recorded in the store.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	e, err := s.entry(r.Pipeline)
	if err != nil {
		return err
	}
	return e.sched.CancelRun(ctx, runID)
}

// RunStatus returns a run and its per-task records.
func (s *Service) RunStatus(ctx context.Context, runID string) (run.Run, []run.TaskRecord, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return run.Run{}, nil, err
	}
	recs, err := s.store.ListTasks(ctx, runID)
	if err != nil {
		return run.Run{}, nil, err
	}
	return r, recs, nil
}

// Runs lists a pipeline's runs, newest first. limit <= 0 lists all.
func (s *Service) Runs(ctx context.Context, pipeline string, limit int) ([]run.Run, error) {
	return s.store.ListRuns(ctx, pipeline, limit)
}

// Attempts returns the attempt audit trail for one task of a run.
func (s *Service) Attempts(ctx context.Context, runID, task string) ([]store.Attempt, error) {
	return s.store.ListAttempts(ctx, runID, task)
}
