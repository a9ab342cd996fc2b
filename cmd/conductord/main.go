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

// Command conductord runs one worker process: it claims jobs off the
// durable queue, drives them through the node graph, and (on the elected
// leader, when enabled) sweeps terminal runs past their retention horizon.
// It exposes no network listener of its own — spec.md §1 treats the
// REST/webhook/scheduler surface as an external collaborator that talks to
// this process only through the Go interfaces in internal/controller/backend
// and internal/controller/events.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tombee/conductor/internal/binding"
	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/internal/controller/backend/postgres"
	"github.com/tombee/conductor/internal/controller/backend/sqlite"
	"github.com/tombee/conductor/internal/controller/cancel"
	"github.com/tombee/conductor/internal/controller/events"
	"github.com/tombee/conductor/internal/controller/leader"
	"github.com/tombee/conductor/internal/controller/retention"
	"github.com/tombee/conductor/internal/controller/runner"
	"github.com/tombee/conductor/internal/dispatch"
	"github.com/tombee/conductor/internal/idempotency"
	"github.com/tombee/conductor/internal/lease"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/nodeexec"
	"github.com/tombee/conductor/internal/ratelimit"
	"github.com/tombee/conductor/internal/registry"
	"github.com/tombee/conductor/pkg/httpclient"
	"github.com/tombee/conductor/pkg/tools"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to settings.yaml (default: XDG config dir)")
		workerID    = flag.String("worker-id", "", "Worker ID for job locks and heartbeats (default: hostname)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductord: load config: %v\n", err)
		os.Exit(1)
	}
	if *workerID != "" {
		cfg.Worker.ID = *workerID
	}
	if cfg.Worker.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Worker.ID = host
		} else {
			cfg.Worker.ID = "worker-1"
		}
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
		Output:    os.Stderr,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("conductord exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	be, closeBackend, err := openBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer closeBackend()

	toolRegistry := tools.NewRegistry()
	if err := nodeexec.RegisterInternalActions(toolRegistry); err != nil {
		return fmt.Errorf("register internal actions: %w", err)
	}

	agentRegistry := registry.New(be)
	resolver := binding.New(agentRegistry, cfg.FallbackToolURL)

	dispatcher, err := dispatch.New(httpclient.DefaultConfig(), true)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	deps := &nodeexec.Deps{
		Resolver:    resolver,
		Dispatcher:  dispatcher,
		Leases:      lease.New(be),
		RateLimiter: ratelimit.New(),
		Idempotency: idempotency.New(be),
		Events:      events.New(be),
		Tools:       toolRegistry,
		Approvals:   be,
	}

	procedures := newFileProcedureLoader(cfg.ProceduresDir)
	cancelRegistry := cancel.New()

	workerCfg := runner.Config{
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		LockDuration:      cfg.Worker.LockDuration,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MaxBackoff:        time.Minute,
	}
	w := runner.New(workerCfg, be, deps, procedures.Load, cancelRegistry, runner.WithLogger(logger.With("component", "runner")))

	var elector *leader.Elector
	if cfg.Leader.Enabled {
		db, err := sql.Open("pgx", cfg.Backend.DSN)
		if err != nil {
			return fmt.Errorf("open leader election connection: %w", err)
		}
		defer db.Close()

		elector = leader.NewElector(leader.Config{
			DB:            db,
			InstanceID:    cfg.Worker.ID,
			RetryInterval: cfg.Leader.RetryInterval,
			Logger:        logger.With("component", "leader"),
		})
		elector.Start(ctx)
		defer elector.Stop()
	}

	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		opts := []retention.Option{retention.WithLogger(logger.With("component", "retention"))}
		if elector != nil {
			opts = append(opts, retention.WithElector(elector))
		}
		sweeper = retention.New(retention.Config{
			Interval: cfg.Retention.Interval,
			Horizon:  cfg.Retention.Horizon,
		}, be, opts...)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- w.Run(ctx) }()
	if sweeper != nil {
		go func() { errCh <- sweeper.Run(ctx) }()
	}

	logger.Info("conductord started", "worker_id", cfg.Worker.ID, "backend", cfg.Backend.Driver)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("background loop exited unexpectedly", "error", err)
		}
	}
	logger.Info("shutting down, draining in-flight jobs")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := w.Stop(drainCtx); err != nil {
		logger.Error("drain failed", "error", err)
	}

	return nil
}

func openBackend(cfg config.BackendConfig) (backend.Backend, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		be := memory.New()
		return be, func() { _ = be.Close() }, nil
	case "postgres":
		be, err := postgres.New(postgres.Config{ConnectionString: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { _ = be.Close() }, nil
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { _ = be.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}
