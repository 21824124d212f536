// Package schedule turns interval expressions into boundary-aligned
// trigger times.
//
// A Spec divides the timeline into fixed windows anchored at the zero
// time, which for hourly and daily intervals means UTC wall-clock
// boundaries. Next reports the first boundary strictly after a
// reference instant, so every process computing trigger times for the
// same spec lands on identical logical timestamps no matter when it
// started. A Source drives a TriggerFunc at those boundaries.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/ctxlog"
)

// Spec is a parsed schedule expression.
type Spec struct {
	Interval time.Duration

	raw string
}

// Parse reads a schedule expression. Accepted forms are @hourly,
// @daily, @weekly and "every <duration>" where the duration uses Go
// syntax such as 15m or 6h30m.
func Parse(s string) (Spec, error) {
	raw := strings.TrimSpace(s)
	switch raw {
	case "":
		return Spec{}, fmt.Errorf("empty schedule")
	case "@hourly":
		return Spec{Interval: time.Hour, raw: raw}, nil
	case "@daily":
		return Spec{Interval: 24 * time.Hour, raw: raw}, nil
	case "@weekly":
		return Spec{Interval: 7 * 24 * time.Hour, raw: raw}, nil
	}
	if expr, ok := strings.CutPrefix(raw, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(expr))
		if err != nil {
			return Spec{}, fmt.Errorf("parse schedule %q: %w", raw, err)
		}
		if d <= 0 {
			return Spec{}, fmt.Errorf("parse schedule %q: interval must be positive", raw)
		}
		return Spec{Interval: d, raw: raw}, nil
	}
	return Spec{}, fmt.Errorf("parse schedule %q: want @hourly, @daily, @weekly or \"every <duration>\"", raw)
}

func (s Spec) String() string {
	if s.raw != "" {
		return s.raw
	}
	return "every " + s.Interval.String()
}

// IsZero reports whether the spec is unset.
func (s Spec) IsZero() bool { return s.Interval == 0 }

// Next reports the first boundary strictly after t.
func (s Spec) Next(t time.Time) time.Time {
	return t.Truncate(s.Interval).Add(s.Interval)
}

// TriggerFunc receives the boundary a window closed on.
type TriggerFunc func(ctx context.Context, logicalTime time.Time) error

// Source fires a TriggerFunc at every schedule boundary.
type Source struct {
	spec Spec
	fire TriggerFunc
}

func NewSource(spec Spec, fire TriggerFunc) *Source {
	return &Source{spec: spec, fire: fire}
}

// Run blocks until ctx is cancelled, invoking the trigger at each
// boundary with that boundary as the logical time. Trigger errors are
// logged and the loop keeps firing.
func (s *Source) Run(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)
	for {
		next := s.spec.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := s.fire(ctx, next); err != nil {
				log.Warn("scheduled trigger failed",
					"schedule", s.spec.String(),
					"logical_time", next,
					"error", err)
			}
		}
	}
}
