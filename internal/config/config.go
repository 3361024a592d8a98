// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides flowd's YAML+env configuration, with an
// optional fsnotify-driven hot reload of the fields that are safe to
// change under a running daemon (log level/format, worker pool sizing,
// retry policy, timer sweep cadence). Store/listener settings require a
// restart and are read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete flowd configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	Worker  WorkerConfig  `yaml:"worker"`
	Retry   RetryConfig   `yaml:"retry"`
	Timers  TimersConfig  `yaml:"timers"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// ListenConfig configures the HTTP control API's listener.
type ListenConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// BackendConfig selects and configures the persistence backend.
type BackendConfig struct {
	// Type is "sqlite" or "postgres".
	Type     string         `yaml:"type,omitempty"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	ConnectionString string `yaml:"connection_string,omitempty"`
	MaxConns         int    `yaml:"max_conns,omitempty"`
}

// WorkerConfig controls the claim loop's pool.
type WorkerConfig struct {
	Concurrency int      `yaml:"concurrency,omitempty"`
	Queues      []string `yaml:"queues,omitempty"`
	// PollRateHz bounds how often an idle worker re-polls an empty queue.
	PollRateHz      float64       `yaml:"poll_rate_hz,omitempty"`
	StaleClaimAfter time.Duration `yaml:"stale_claim_after,omitempty"`
}

// RetryConfig controls Coordinator.FailExecution's backoff.
type RetryConfig struct {
	BaseDelay time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay  time.Duration `yaml:"max_delay,omitempty"`
}

// TimersConfig controls the timer-sweep maintenance loop.
type TimersConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// Default returns a configuration with sensible defaults: sqlite-backed,
// four worker goroutines, claiming from the default and system queues.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Listen: ListenConfig{
			Addr: ":8080",
		},
		Backend: BackendConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{Path: "./flow.db"},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			Queues:          []string{"default", "system"},
			PollRateHz:      5,
			StaleClaimAfter: 5 * time.Minute,
		},
		Retry: RetryConfig{
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  30 * time.Second,
		},
		Timers: TimersConfig{
			SweepInterval: time.Second,
		},
	}
}

// Load reads configuration from defaults, then configPath if non-empty,
// then environment variables (which take precedence over the file).
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields after a partial file load, so a
// config.yaml only needs to name the fields it overrides.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Listen.Addr == "" {
		c.Listen.Addr = d.Listen.Addr
	}
	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = d.Backend.SQLite.Path
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = d.Worker.Concurrency
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = d.Worker.Queues
	}
	if c.Worker.PollRateHz == 0 {
		c.Worker.PollRateHz = d.Worker.PollRateHz
	}
	if c.Worker.StaleClaimAfter == 0 {
		c.Worker.StaleClaimAfter = d.Worker.StaleClaimAfter
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Timers.SweepInterval == 0 {
		c.Timers.SweepInterval = d.Timers.SweepInterval
	}
}

// loadFromEnv overlays FLOW_-prefixed environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("FLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FLOW_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("FLOW_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("FLOW_BACKEND_TYPE"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("FLOW_SQLITE_PATH"); v != "" {
		c.Backend.SQLite.Path = v
	}
	if v := os.Getenv("FLOW_POSTGRES_CONNECTION_STRING"); v != "" {
		c.Backend.Postgres.ConnectionString = v
	}
	if v := os.Getenv("FLOW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("FLOW_WORKER_QUEUES"); v != "" {
		c.Worker.Queues = strings.Split(v, ",")
	}
	if v := os.Getenv("FLOW_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.BaseDelay = d
		}
	}
	if v := os.Getenv("FLOW_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.MaxDelay = d
		}
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level: invalid value %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format: invalid value %q", c.Log.Format))
	}
	switch c.Backend.Type {
	case "sqlite":
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, "backend.sqlite.path: required when backend.type is sqlite")
		}
	case "postgres":
		if c.Backend.Postgres.ConnectionString == "" {
			errs = append(errs, "backend.postgres.connection_string: required when backend.type is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type: invalid value %q", c.Backend.Type))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency: must be positive")
	}
	if c.Worker.PollRateHz <= 0 {
		errs = append(errs, "worker.poll_rate_hz: must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, "retry.base_delay: must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, "retry.max_delay: must be >= retry.base_delay")
	}
	if c.Timers.SweepInterval <= 0 {
		errs = append(errs, "timers.sweep_interval: must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
