// Package config holds the orchestrator's file-backed configuration:
// storage paths, concurrency and timeout defaults, retry and breaker
// tuning. Values merge from JSON files over built-in defaults; a field
// absent from every file keeps its default.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/dag"
)

// Config is the top-level configuration.
type Config struct {
	DataDir         string        `json:"data_dir"`
	DatabasePath    string        `json:"database_path"`
	MaxParallel     int64         `json:"max_parallel"`
	DefaultTimeout  Duration      `json:"default_timeout"`
	Retry           RetryConfig   `json:"retry"`
	Breaker         BreakerConfig `json:"breaker"`
	EventBufferSize int           `json:"event_buffer_size"`
}

// RetryConfig is the retry policy applied to tasks that do not declare
// their own.
type RetryConfig struct {
	MaxRetries      int      `json:"max_retries"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	Multiplier      float64  `json:"multiplier"`
	Jitter          float64  `json:"jitter"`
}

// Policy renders the retry configuration as a task retry policy.
func (r RetryConfig) Policy() dag.RetryPolicy {
	return dag.RetryPolicy{
		MaxRetries:          r.MaxRetries,
		InitialInterval:     time.Duration(r.InitialInterval),
		MaxInterval:         time.Duration(r.MaxInterval),
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.Jitter,
	}
}

// BreakerConfig tunes the per-action-kind circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32   `json:"max_requests"`
	Timeout             Duration `json:"timeout"`
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
}

// Duration marshals as a Go duration string such as "1m30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }
