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

// Package retention prunes terminal runs (and, by cascade, their
// checkpoints, events, and queue rows) past a configurable age (spec.md
// §4.14). In a multi-controller deployment the sweep only runs on the
// internal/controller/leader elected leader, so pruning never races across
// instances.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/metrics"
)

// terminalStatuses are the run statuses eligible for pruning. A run still
// awaiting approval or an async workflow delegation is never swept, even
// past the horizon.
var terminalStatuses = []string{"completed", "failed", "canceled"}

// Elector reports whether this process currently holds the leader lock.
// internal/controller/leader.Elector satisfies this.
type Elector interface {
	IsLeader() bool
}

// Config controls sweep timing and scope.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// Horizon is how long a terminal run is kept after CompletedAt before
	// it becomes eligible for deletion.
	Horizon time.Duration

	// BatchSize bounds how many runs are listed per status per sweep, so a
	// large backlog is worked down over several ticks instead of in one
	// long-held query.
	BatchSize int
}

// DefaultConfig returns a conservative day-old horizon checked hourly.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		Horizon:   24 * time.Hour,
		BatchSize: 500,
	}
}

// Sweeper periodically deletes terminal runs older than its configured
// horizon.
type Sweeper struct {
	cfg     Config
	runs    backend.RunLister
	elector Elector
	logger  *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithElector gates sweeps on elector.IsLeader(). Omit it for a
// single-process deployment, where every tick sweeps.
func WithElector(elector Elector) Option {
	return func(s *Sweeper) { s.elector = elector }
}

// New builds a Sweeper over runs.
func New(cfg Config, runs backend.RunLister, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	s := &Sweeper{cfg: cfg, runs: runs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks sweeping on cfg.Interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.elector != nil && !s.elector.IsLeader() {
		return
	}
	deleted, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep pruned runs", "count", deleted)
	}
}

// Sweep deletes terminal runs completed before the horizon and returns how
// many were removed. Exported directly so a cron-style caller (e.g. an
// operator command) can trigger a sweep outside the Run loop.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.Horizon)
	total := 0

	for _, status := range terminalStatuses {
		runs, err := s.runs.ListRuns(ctx, backend.RunFilter{Status: status, Limit: s.cfg.BatchSize})
		if err != nil {
			return total, err
		}
		for _, run := range runs {
			if run.CompletedAt == nil || run.CompletedAt.After(cutoff) {
				continue
			}
			if err := s.runs.DeleteRun(ctx, run.ID); err != nil {
				metrics.RecordPersistenceError("CleanupCheckpoint", metrics.CategorizeError(err))
				return total, err
			}
			total++
		}
	}
	return total, nil
}
