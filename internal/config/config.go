// Package config holds the configuration surface consumed by the research
// engine. Config is loaded from YAML with sensible defaults; the engine does
// not own where the file lives, the cmd layer does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	// Worker pool settings
	Pool PoolConfig `yaml:"pool"`

	// Research loop settings
	Research ResearchConfig `yaml:"research"`

	// Message bus settings
	Bus BusConfig `yaml:"bus"`

	// Quality reflection thresholds
	Quality QualityConfig `yaml:"quality"`

	// Session archive
	Archive ArchiveConfig `yaml:"archive"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	// MaxConcurrentWorkers is the hard cap on simultaneously busy workers.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`

	// AcquireTimeout bounds how long a caller waits for pool capacity
	// before receiving a PoolExhausted outcome.
	AcquireTimeout string `yaml:"acquire_timeout"`
}

// ResearchConfig bounds the research loop.
type ResearchConfig struct {
	// MaxReflectionIterations caps the evaluate-and-expand loop.
	MaxReflectionIterations int `yaml:"max_reflection_iterations"`

	// MaxReassignments caps retries of a stalled or failed subtask.
	MaxReassignments int `yaml:"max_reassignments"`

	// TaskTimeout bounds one envelope round-trip to a worker.
	TaskTimeout string `yaml:"task_timeout"`

	// SwarmConcurrency limits simultaneous dispatches within one run.
	// Clamped to the pool cap; 0 means use the pool cap.
	SwarmConcurrency int `yaml:"swarm_concurrency"`

	// ScopingRetries is how many extra clarification attempts are made
	// before a session aborts out of Scoping.
	ScopingRetries int `yaml:"scoping_retries"`
}

// BusConfig configures envelope delivery.
type BusConfig struct {
	// MaxRetries for transient send failures.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase is the initial retry delay.
	BackoffBase string `yaml:"backoff_base"`

	// BackoffMultiplier scales the delay per retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// DeadLetterTTL is how long exhausted envelopes stay queryable.
	DeadLetterTTL string `yaml:"dead_letter_ttl"`

	// MailboxSize is the per-receiver buffered mailbox depth.
	MailboxSize int `yaml:"mailbox_size"`
}

// QualityConfig holds per-dimension score thresholds.
type QualityConfig struct {
	CompletenessThreshold float64 `yaml:"completeness_threshold"`
	DepthThreshold        float64 `yaml:"depth_threshold"`
	AccuracyThreshold     float64 `yaml:"accuracy_threshold"`

	// ConfidenceThreshold is the minimum success signal for a result to
	// count as covering its subtopic.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// ArchiveConfig configures the finished-session archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultPath is where the CLI looks for configuration by default.
const DefaultPath = "deepresearch.yaml"

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConcurrentWorkers: 5,
			AcquireTimeout:       "30s",
		},
		Research: ResearchConfig{
			MaxReflectionIterations: 3,
			MaxReassignments:        1,
			TaskTimeout:             "5m",
			SwarmConcurrency:        0,
			ScopingRetries:          1,
		},
		Bus: BusConfig{
			MaxRetries:        3,
			BackoffBase:       "100ms",
			BackoffMultiplier: 2.0,
			DeadLetterTTL:     "1h",
			MailboxSize:       64,
		},
		Quality: QualityConfig{
			CompletenessThreshold: 0.8,
			DepthThreshold:        0.7,
			AccuracyThreshold:     0.8,
			ConfidenceThreshold:   0.85,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "data/deepresearch.db",
		},
		Logging: LoggingConfig{
			Verbose: false,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEEPRESEARCH_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxConcurrentWorkers = n
		}
	}
	if v := os.Getenv("DEEPRESEARCH_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Research.MaxReflectionIterations = n
		}
	}
	if v := os.Getenv("DEEPRESEARCH_ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Pool.MaxConcurrentWorkers < 1 {
		return fmt.Errorf("pool.max_concurrent_workers must be >= 1, got %d", c.Pool.MaxConcurrentWorkers)
	}
	if c.Research.MaxReflectionIterations < 1 {
		return fmt.Errorf("research.max_reflection_iterations must be >= 1, got %d", c.Research.MaxReflectionIterations)
	}
	if c.Research.MaxReassignments < 0 {
		return fmt.Errorf("research.max_reassignments must be >= 0, got %d", c.Research.MaxReassignments)
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("bus.max_retries must be >= 0, got %d", c.Bus.MaxRetries)
	}
	if c.Bus.BackoffMultiplier < 1.0 {
		return fmt.Errorf("bus.backoff_multiplier must be >= 1.0, got %f", c.Bus.BackoffMultiplier)
	}
	for name, v := range map[string]float64{
		"quality.completeness_threshold": c.Quality.CompletenessThreshold,
		"quality.depth_threshold":        c.Quality.DepthThreshold,
		"quality.accuracy_threshold":     c.Quality.AccuracyThreshold,
		"quality.confidence_threshold":   c.Quality.ConfidenceThreshold,
	} {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("%s must be in [0,1], got %f", name, v)
		}
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"pool.acquire_timeout", c.Pool.AcquireTimeout},
		{"research.task_timeout", c.Research.TaskTimeout},
		{"bus.backoff_base", c.Bus.BackoffBase},
		{"bus.dead_letter_ttl", c.Bus.DeadLetterTTL},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
	}
	return nil
}

// Duration accessors parse the string fields, falling back to defaults on
// malformed values so callers never deal with parse errors post-Validate.

func (c *Config) GetAcquireTimeout() time.Duration {
	return parseDurationOr(c.Pool.AcquireTimeout, 30*time.Second)
}

func (c *Config) GetTaskTimeout() time.Duration {
	return parseDurationOr(c.Research.TaskTimeout, 5*time.Minute)
}

func (c *Config) GetBackoffBase() time.Duration {
	return parseDurationOr(c.Bus.BackoffBase, 100*time.Millisecond)
}

func (c *Config) GetDeadLetterTTL() time.Duration {
	return parseDurationOr(c.Bus.DeadLetterTTL, time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
