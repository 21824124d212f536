// Package pipeline loads pipeline definitions from HCL files and builds
// them into immutable DAGs.
//
// A definition names its tasks, their dependency edges and their retry
// and timeout settings:
//
//	pipeline "etl" {
//	  version  = "2"
//	  schedule = "@hourly"
//
//	  task "extract" {
//	    run    = ["sh", "-c", "./extract.sh"]
//	    params = { region = "eu-west-1" }
//	  }
//
//	  task "load" {
//	    action     = "warehouse-load"
//	    depends_on = ["extract"]
//	    retries    = 3
//	    timeout    = "10m"
//	    backoff {
//	      initial    = "2s"
//	      max        = "1m"
//	      multiplier = 2.0
//	      jitter     = 0.5
//	    }
//	  }
//	}
//
// Settings a definition leaves out fall back to the defaults passed to
// Load, which come from configuration. Expressions may reference the
// process environment as env.NAME, e.g. params = { token = env.API_TOKEN },
// so credentials stay out of the files.
package pipeline

import (
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/schedule"
)

// Pipeline is a loaded definition: the validated DAG plus the
// orchestration settings declared alongside it. MaxParallel and
// DefaultTimeout are zero when the definition leaves them unset.
type Pipeline struct {
	DAG            *dag.DAG
	Schedule       schedule.Spec
	MaxParallel    int64
	DefaultTimeout time.Duration
}

// Name returns the pipeline's declared name.
func (p *Pipeline) Name() string { return p.DAG.Name() }

type pipelineFile struct {
	Pipelines []*pipelineBlock `hcl:"pipeline,block"`
}

type pipelineBlock struct {
	Name           string       `hcl:"name,label"`
	Version        string       `hcl:"version,optional"`
	Schedule       string       `hcl:"schedule,optional"`
	MaxParallel    int64        `hcl:"max_parallel,optional"`
	DefaultTimeout string       `hcl:"default_timeout,optional"`
	Tasks          []*taskBlock `hcl:"task,block"`
}

type taskBlock struct {
	Name      string            `hcl:"name,label"`
	Run       []string          `hcl:"run,optional"`
	Action    string            `hcl:"action,optional"`
	Params    map[string]string `hcl:"params,optional"`
	DependsOn []string          `hcl:"depends_on,optional"`
	Retries   *int              `hcl:"retries,optional"`
	Timeout   string            `hcl:"timeout,optional"`
	Backoff   *backoffBlock     `hcl:"backoff,block"`
}

type backoffBlock struct {
	Initial    string   `hcl:"initial,optional"`
	Max        string   `hcl:"max,optional"`
	Multiplier float64  `hcl:"multiplier,optional"`
	Jitter     *float64 `hcl:"jitter,optional"`
}

func (p *pipelineBlock) build(defaults dag.RetryPolicy) (*Pipeline, error) {
	b := dag.NewBuilder()
	for _, t := range p.Tasks {
		task, err := t.build(p.Name, defaults)
		if err != nil {
			return nil, err
		}
		if err := b.Add(task); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
	}

	version := p.Version
	if version == "" {
		version = "1"
	}
	d, err := b.Build(p.Name, version)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
	}

	out := &Pipeline{DAG: d}
	if p.Schedule != "" {
		spec, err := schedule.Parse(p.Schedule)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		out.Schedule = spec
	}
	if p.MaxParallel < 0 {
		return nil, fmt.Errorf("pipeline %q: max_parallel must not be negative", p.Name)
	}
	out.MaxParallel = p.MaxParallel
	if p.DefaultTimeout != "" {
		d, err := parseInterval(p.Name, "", "default_timeout", p.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		out.DefaultTimeout = d
	}
	return out, nil
}

func (t *taskBlock) build(pipeline string, defaults dag.RetryPolicy) (dag.Task, error) {
	var action dag.Action
	switch {
	case len(t.Run) > 0 && t.Action != "":
		return dag.Task{}, fmt.Errorf("pipeline %q task %q: run and action are mutually exclusive", pipeline, t.Name)
	case len(t.Run) > 0:
		action = dag.Action{Kind: dag.KindCommand, Command: t.Run, Params: t.Params}
	case t.Action != "":
		action = dag.Action{Kind: dag.KindLocal, Name: t.Action, Params: t.Params}
	default:
		return dag.Task{}, fmt.Errorf("pipeline %q task %q: one of run or action is required", pipeline, t.Name)
	}

	retry := defaults
	if t.Retries != nil {
		if *t.Retries < 0 {
			return dag.Task{}, fmt.Errorf("pipeline %q task %q: retries must not be negative", pipeline, t.Name)
		}
		retry.MaxRetries = *t.Retries
	}
	if bo := t.Backoff; bo != nil {
		if bo.Initial != "" {
			d, err := parseInterval(pipeline, t.Name, "backoff initial", bo.Initial)
			if err != nil {
				return dag.Task{}, err
			}
			retry.InitialInterval = d
		}
		if bo.Max != "" {
			d, err := parseInterval(pipeline, t.Name, "backoff max", bo.Max)
			if err != nil {
				return dag.Task{}, err
			}
			retry.MaxInterval = d
		}
		if bo.Multiplier > 0 {
			retry.Multiplier = bo.Multiplier
		}
		if bo.Jitter != nil {
			if *bo.Jitter < 0 || *bo.Jitter > 1 {
				return dag.Task{}, fmt.Errorf("pipeline %q task %q: backoff jitter must be between 0 and 1", pipeline, t.Name)
			}
			retry.RandomizationFactor = *bo.Jitter
		}
	}

	var timeout time.Duration
	if t.Timeout != "" {
		d, err := parseInterval(pipeline, t.Name, "timeout", t.Timeout)
		if err != nil {
			return dag.Task{}, err
		}
		timeout = d
	}

	return dag.Task{
		Name:      t.Name,
		Action:    action,
		DependsOn: t.DependsOn,
		Retry:     retry,
		Timeout:   timeout,
	}, nil
}

func parseInterval(pipeline, task, field, raw string) (time.Duration, error) {
	where := fmt.Sprintf("pipeline %q", pipeline)
	if task != "" {
		where = fmt.Sprintf("pipeline %q task %q", pipeline, task)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", where, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: %s must be positive, got %q", where, field, raw)
	}
	return d, nil
}
