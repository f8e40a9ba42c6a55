// Package config loads the orchestrator's YAML configuration file.
// CLI flags on the serve command override what the file provides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Schools   SchoolsConfig   `yaml:"schools"`
}

// StorageConfig selects and configures the job store backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`

	// ConnString is the PostgreSQL connection string (postgres backend).
	ConnString string `yaml:"conn_string"`

	// AutoMigrate runs schema migrations at startup (postgres backend).
	AutoMigrate bool `yaml:"auto_migrate"`
}

// EngineConfig tunes bulk execution.
type EngineConfig struct {
	Concurrency          int           `yaml:"concurrency"`
	TargetTimeout        time.Duration `yaml:"target_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
}

// RunnerConfig tunes background job execution.
type RunnerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// SchedulerConfig tunes the due-job poller.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SchoolsConfig is the static school-to-district mapping used when the
// platform's school registry is not wired in.
type SchoolsConfig struct {
	Districts map[string]string `yaml:"districts"`
}

// Load reads and validates a config file. A missing path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.ConnString == "" {
			return fmt.Errorf("storage.conn_string is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = 4
	}
	if c.Engine.TargetTimeout == 0 {
		c.Engine.TargetTimeout = 2 * time.Minute
	}
	if c.Runner.Workers == 0 {
		c.Runner.Workers = 2
	}
	if c.Runner.QueueSize == 0 {
		c.Runner.QueueSize = 64
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 15 * time.Second
	}
}
