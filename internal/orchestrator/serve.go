package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/internal/ctxlog"
	"github.com/conveyorhq/conveyor/internal/run"
	"github.com/conveyorhq/conveyor/internal/schedule"
)

// Resume re-drives every run the store still marks running. Called on
// startup so a crash never strands a run. Runs whose pipeline is no
// longer loaded are left in the store and logged.
func (s *Service) Resume(ctx context.Context) error {
	stale, err := s.store.ListRunsByStatus(ctx, run.StatusRunning)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	log := ctxlog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range stale {
		e, err := s.entry(r.Pipeline)
		if err != nil {
			log.Warn("cannot resume run", "run", r.ID, "pipeline", r.Pipeline, "error", err)
			continue
		}
		g.Go(func() error {
			log.Info("resuming run", "run", r.ID, "pipeline", r.Pipeline)
			if _, err := e.sched.ExecuteRun(gctx, e.pipeline.DAG, r.ID); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				// One broken run must not stop the others from resuming.
				log.Error("resume failed", "run", r.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Serve resumes interrupted runs and fires every scheduled pipeline at
// its boundaries until ctx is cancelled. Cancellation is a clean
// shutdown: in-flight runs stay running in the store and the next Serve
// picks them up.
func (s *Service) Serve(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Resume(gctx)
	})

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	scheduled := 0
	for _, e := range entries {
		if e.pipeline.Schedule.IsZero() {
			continue
		}
		scheduled++
		src := schedule.NewSource(e.pipeline.Schedule, func(ctx context.Context, logicalTime time.Time) error {
			return s.fire(ctx, e, logicalTime)
		})
		log.Info("pipeline scheduled",
			"pipeline", e.pipeline.Name(),
			"schedule", e.pipeline.Schedule.String())
		g.Go(func() error { return src.Run(gctx) })
	}
	log.Info("serving", "pipelines", len(entries), "scheduled", scheduled)

	// Keeps the group alive when nothing is scheduled.
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fire creates the window's run and drives it. A window that already has
// a run is skipped, whatever state that run is in: one trigger per
// boundary, however many processes are serving.
func (s *Service) fire(ctx context.Context, e *entry, logicalTime time.Time) error {
	r, created, err := s.trigger.Trigger(ctx, e.pipeline.DAG, logicalTime)
	if err != nil {
		return err
	}
	if !created {
		ctxlog.FromContext(ctx).Info("window already triggered",
			"pipeline", e.pipeline.Name(),
			"logical_time", logicalTime,
			"run", r.ID)
		return nil
	}
	if _, err := e.sched.ExecuteRun(ctx, e.pipeline.DAG, r.ID); err != nil {
		// Shutdown mid-run is not a trigger failure.
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
