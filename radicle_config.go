package radicle

import (
	"log/slog"
	"time"

	"github.com/oscoin/radicle/internal/domain"
)

// Config tunes the daemon; zero fields take their defaults.
type Config = domain.Config

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(dataDir string) *ConfigBuilder {
	config := DefaultConfig()
	config.DataDir = dataDir
	return &ConfigBuilder{config: config}
}

// WithFollowFile overrides the follow registry location.
func (cb *ConfigBuilder) WithFollowFile(path string) *ConfigBuilder {
	cb.config.FollowFile = path
	return cb
}

// WithAckTimeout bounds how long a reader send waits for the writer's
// acknowledgement.
func (cb *ConfigBuilder) WithAckTimeout(d time.Duration) *ConfigBuilder {
	cb.config.AckTimeout = d
	return cb
}

// WithPolling sets the scheduler tick, the high-frequency burst budget
// and the settled low-frequency period.
func (cb *ConfigBuilder) WithPolling(interval, highFreqBudget, lowFreqPeriod time.Duration) *ConfigBuilder {
	cb.config.PollInterval = interval
	cb.config.HighFreqBudget = highFreqBudget
	cb.config.LowFreqPeriod = lowFreqPeriod
	return cb
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
