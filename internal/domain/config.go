package domain

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"dario.cat/mergo"
)

// Config carries everything the daemon needs that is not a
// collaborator port.
type Config struct {
	// DataDir is where the daemon keeps local files, the follow
	// registry included.
	DataDir string

	// FollowFile overrides the registry location; empty means
	// DataDir/follows.json.
	FollowFile string

	// AckTimeout bounds how long a reader send waits for the writer's
	// Applied acknowledgement.
	AckTimeout time.Duration

	// PollInterval is the scheduler tick period.
	PollInterval time.Duration

	// HighFreqBudget is the polling burst granted after write activity.
	HighFreqBudget time.Duration

	// LowFreqPeriod is the refresh interval once the burst has decayed.
	LowFreqPeriod time.Duration

	Logger *slog.Logger
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:        ".",
		AckTimeout:     8 * time.Second,
		PollInterval:   500 * time.Millisecond,
		HighFreqBudget: 10 * time.Second,
		LowFreqPeriod:  10 * time.Second,
		Logger:         slog.Default(),
	}
}

// WithDefaults fills every unset field from DefaultConfig and returns
// the receiver for chaining.
func (c *Config) WithDefaults() (*Config, error) {
	if err := mergo.Merge(c, *DefaultConfig()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data dir cannot be empty", ErrInvalidInput)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidInput)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidInput)
	}
	if c.HighFreqBudget <= 0 || c.LowFreqPeriod <= 0 {
		return fmt.Errorf("%w: polling periods must be positive", ErrInvalidInput)
	}
	return nil
}

// FollowPath resolves the registry file location.
func (c *Config) FollowPath() string {
	if c.FollowFile != "" {
		return c.FollowFile
	}
	return filepath.Join(c.DataDir, "follows.json")
}
