package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default returns the built-in configuration. Paths follow the XDG base
// directory convention.
func Default() *Config {
	dataDir := filepath.Join(xdg.DataHome, "conveyor")
	return &Config{
		DataDir:        dataDir,
		DatabasePath:   filepath.Join(dataDir, "conveyor.db"),
		MaxParallel:    4,
		DefaultTimeout: Duration(30 * time.Minute),
		Retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: Duration(time.Second),
			MaxInterval:     Duration(5 * time.Minute),
			Multiplier:      2.0,
			Jitter:          0.5,
		},
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Timeout:             Duration(30 * time.Second),
			ConsecutiveFailures: 5,
		},
		EventBufferSize: 256,
	}
}
