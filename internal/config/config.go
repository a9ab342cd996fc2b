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

package config

import "time"

// Config is the on-disk settings.yaml shape for a worker process. It has no
// notion of the deleted LLM/provider/profile surface; everything here is
// backend connection, worker tuning, and ambient logging.
type Config struct {
	Version int `yaml:"version"`

	Log       LogConfig       `yaml:"log"`
	Backend   BackendConfig   `yaml:"backend"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Leader    LeaderConfig    `yaml:"leader"`

	// ProceduresDir holds compiled procedure definitions (one JSON file per
	// procedure_id, spec.md §4.1a), loaded by the worker's ProcedureLoader.
	ProceduresDir string `yaml:"procedures_dir"`

	// FallbackToolURL is the tool server internal/binding.Resolver dispatches
	// to when a step names no agent channel the registry can satisfy
	// (spec.md §4.4 step 4). Empty disables the fallback.
	FallbackToolURL string `yaml:"fallback_tool_url"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format sets the output format (json, text).
	Format string `yaml:"format"`
	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// BackendConfig selects and connects to the durable store backing
// internal/controller/backend.
type BackendConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string. Unused for "memory".
	DSN string `yaml:"dsn"`
}

// WorkerConfig tunes internal/controller/runner.Config.
type WorkerConfig struct {
	// ID identifies this worker process in job locks and heartbeats.
	// Defaults to the hostname if left empty.
	ID string `yaml:"id"`
	// Concurrency bounds how many jobs this worker runs at once.
	Concurrency int `yaml:"concurrency"`
	// PollInterval between empty dequeue attempts.
	PollInterval time.Duration `yaml:"poll_interval"`
	// LockDuration a claimed job is held for before it must be renewed.
	LockDuration time.Duration `yaml:"lock_duration"`
	// HeartbeatInterval between lock renewals for an in-flight job.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RetentionConfig tunes internal/controller/retention.Config.
type RetentionConfig struct {
	// Enabled toggles the retention sweeper entirely.
	Enabled bool `yaml:"enabled"`
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`
	// Horizon is how long a terminal run survives past CompletedAt.
	Horizon time.Duration `yaml:"horizon"`
}

// LeaderConfig tunes internal/controller/leader.Config. Leader election is
// only meaningful against the postgres backend; it is a no-op for memory
// and sqlite single-process deployments.
type LeaderConfig struct {
	// Enabled toggles advisory-lock leader election.
	Enabled bool `yaml:"enabled"`
	// RetryInterval between failed acquisition attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Default returns a Config with sensible defaults for a single-process
// memory-backed worker.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Backend: BackendConfig{
			Driver: "memory",
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			PollInterval:      500 * time.Millisecond,
			LockDuration:      30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Interval: time.Hour,
			Horizon:  24 * time.Hour,
		},
		Leader: LeaderConfig{
			Enabled:       false,
			RetryInterval: 5 * time.Second,
		},
		ProceduresDir: "./procedures",
	}
}

// applyDefaults fills in zero-valued fields of c from Default(), so a
// partially-specified settings.yaml only needs to name what it overrides.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Version == 0 {
		c.Version = defaults.Version
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Backend.Driver == "" {
		c.Backend.Driver = defaults.Backend.Driver
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = defaults.Worker.Concurrency
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = defaults.Worker.PollInterval
	}
	if c.Worker.LockDuration == 0 {
		c.Worker.LockDuration = defaults.Worker.LockDuration
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = defaults.Worker.HeartbeatInterval
	}

	if c.Retention.Interval == 0 {
		c.Retention.Interval = defaults.Retention.Interval
	}
	if c.Retention.Horizon == 0 {
		c.Retention.Horizon = defaults.Retention.Horizon
	}

	if c.Leader.RetryInterval == 0 {
		c.Leader.RetryInterval = defaults.Leader.RetryInterval
	}

	if c.ProceduresDir == "" {
		c.ProceduresDir = defaults.ProceduresDir
	}
}
