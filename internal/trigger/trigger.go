// Package trigger creates runs. Triggering is idempotent on the
// (pipeline, logical time) pair: in-process duplicates collapse through
// singleflight and cross-process duplicates hit the store's unique
// constraint, so the same pair never yields two runs.
package trigger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conveyorhq/conveyor/internal/ctxlog"
	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/run"
	"github.com/conveyorhq/conveyor/internal/store"
)

// Service turns (pipeline, logical time) pairs into runs exactly once.
type Service struct {
	store store.Store
	bus   *events.Bus
	group singleflight.Group
}

// New creates a trigger service. bus may be nil.
func New(st store.Store, bus *events.Bus) *Service {
	return &Service{store: st, bus: bus}
}

type triggered struct {
	run     run.Run
	created bool
}

// Trigger returns the run for the pair, creating it if none exists.
// created reports whether this trigger brought the run into existence;
// concurrent triggers of the same pair share one creation and all report
// it. The new run starts with a PENDING row per task.
func (s *Service) Trigger(ctx context.Context, d *dag.DAG, logicalTime time.Time) (run.Run, bool, error) {
	key := fmt.Sprintf("%s|%d", d.Name(), logicalTime.UnixNano())

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		r := run.Run{
			ID:          run.NewID(),
			Pipeline:    d.Name(),
			Version:     d.Version(),
			LogicalTime: logicalTime,
			Status:      run.StatusRunning,
			CreatedAt:   time.Now(),
		}
		created, err := s.store.CreateRun(ctx, r, d.TopoOrder())
		if err != nil {
			return nil, fmt.Errorf("create run for %q at %s: %w",
				d.Name(), logicalTime.Format(time.RFC3339), err)
		}
		if !created {
			existing, err := s.store.FindRun(ctx, d.Name(), logicalTime)
			if err != nil {
				return nil, fmt.Errorf("find run for %q at %s: %w",
					d.Name(), logicalTime.Format(time.RFC3339), err)
			}
			return triggered{existing, false}, nil
		}

		if s.bus != nil {
			s.bus.Publish(events.TopicRun, events.RunCreated{
				RunID:       r.ID,
				Pipeline:    r.Pipeline,
				LogicalTime: logicalTime,
				Timestamp:   time.Now(),
			})
		}
		ctxlog.FromContext(ctx).Info("run created",
			"run", r.ID, "pipeline", r.Pipeline, "logical_time", logicalTime.Format(time.RFC3339))
		return triggered{r, true}, nil
	})
	if err != nil {
		return run.Run{}, false, err
	}

	res := v.(triggered)
	return res.run, res.created, nil
}
