package dag

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Action kinds understood by the built-in executors.
const (
	KindCommand = "command" // argv subprocess
	KindLocal   = "local"   // registered in-process function
)

// Action is an opaque reference to the work a task performs. The core
// routes on Kind and hands everything else to the matching executor
// untouched.
type Action struct {
	Kind    string            // executor selector, e.g. KindCommand or KindLocal
	Name    string            // registered action name for in-process execution
	Command []string          // argv for subprocess execution
	Params  map[string]string // author-supplied parameters, passed through
}

// RetryPolicy bounds how failed attempts of a task are retried.
// MaxRetries counts re-attempts after the first run, so a task executes
// at most MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Backoff returns a fresh exponential backoff generator for this policy.
// MaxElapsedTime is disabled: the retry budget is counted in attempts,
// not wall time.
func (p RetryPolicy) Backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the backoff delay inserted before the given attempt.
// Attempt 1 is the first run and waits for nothing; attempt N>1 waits for
// the (N-1)th interval of the policy. The delay is a function of the
// attempt number alone, so it can be recomputed after a process restart.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	b := p.Backoff()
	d := b.NextBackOff()
	for i := 2; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Task is the atomic unit of work in a pipeline: an opaque action plus the
// metadata the scheduler needs to order, time-box and retry it.
type Task struct {
	Name      string
	Action    Action
	DependsOn []string // task names in the same DAG
	Retry     RetryPolicy
	Timeout   time.Duration
}

func cloneTask(t Task) Task {
	if t.DependsOn != nil {
		t.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Action.Command != nil {
		t.Action.Command = append([]string(nil), t.Action.Command...)
	}
	if t.Action.Params != nil {
		params := make(map[string]string, len(t.Action.Params))
		for k, v := range t.Action.Params {
			params[k] = v
		}
		t.Action.Params = params
	}
	return t
}
