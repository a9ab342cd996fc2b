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

// Package runner implements the worker loop (spec.md §4.11): claim jobs
// from the durable queue, drive each to suspension or a terminal state
// through internal/controller/graph, and heartbeat the claim while it runs.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/cancel"
	"github.com/tombee/conductor/internal/controller/graph"
	"github.com/tombee/conductor/internal/controller/metrics"
	"github.com/tombee/conductor/internal/nodeexec"
	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
)

// Config controls worker-loop timing (spec.md §4.11).
type Config struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	LockDuration      time.Duration
	HeartbeatInterval time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig returns conservative defaults for a single worker process.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:          workerID,
		Concurrency:       4,
		PollInterval:      500 * time.Millisecond,
		LockDuration:      30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxBackoff:        time.Minute,
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// Runner polls the durable job queue and drives claimed runs through a
// graph.Runner until each suspends or terminates.
type Runner struct {
	cfg    Config
	be     backend.Backend
	graph  *graph.Runner
	cancel *cancel.Registry
	logger *slog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	draining chan struct{}
	once     sync.Once
}

// New builds a Runner. deps.Cancel should be the same cancel.Registry the
// heartbeat uses to flag cross-process cancellation, so node executors'
// CheckContext calls observe it.
func New(cfg Config, be backend.Backend, deps *nodeexec.Deps, procedures graph.ProcedureLoader, cancelRegistry *cancel.Registry, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	deps.Cancel = cancelRegistry

	r := &Runner{
		cfg:      cfg,
		be:       be,
		graph:    graph.New(be, deps, procedures),
		cancel:   cancelRegistry,
		logger:   slog.Default(),
		sem:      make(chan struct{}, cfg.Concurrency),
		draining: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks claiming and executing jobs until ctx is canceled or Stop is
// called, then waits for in-flight executions to finish.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-r.draining:
			r.wg.Wait()
			return nil
		case r.sem <- struct{}{}:
			job, err := r.be.DequeueJob(ctx, r.cfg.WorkerID, r.cfg.LockDuration)
			if err != nil {
				r.logger.Error("dequeue failed", "error", err)
				<-r.sem
				continue
			}
			if job == nil {
				<-r.sem
				select {
				case <-ctx.Done():
					r.wg.Wait()
					return ctx.Err()
				case <-time.After(r.cfg.PollInterval):
				}
				continue
			}

			r.wg.Add(1)
			go func(j *backend.Job) {
				defer r.wg.Done()
				defer func() { <-r.sem }()
				r.executeJob(ctx, j)
			}(job)
		}
	}
}

// Stop requests the loop to stop claiming new jobs and returns once all
// in-flight executions finish or ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.draining) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: stop timed out waiting for in-flight jobs: %w", ctx.Err())
	}
}

func (r *Runner) executeJob(ctx context.Context, job *backend.Job) {
	log := r.logger.With("job_id", job.JobID, "run_id", job.RunID)

	run, err := r.be.GetRun(ctx, job.RunID)
	if err != nil {
		log.Error("load run failed", "error", err)
		_ = r.be.FailJob(ctx, job.JobID, false, 0)
		return
	}

	jobCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(jobCtx, job.JobID, run.ID, log)

	proc, err := r.graph.Procedures(ctx, run.WorkflowID, versionString(run.ProcedureVersion))
	if err != nil {
		log.Error("load procedure failed", "error", err)
		run.Status = "failed"
		run.Error = err.Error()
		_ = r.be.UpdateRun(ctx, run)
		_ = r.be.FailJob(ctx, job.JobID, false, 0)
		return
	}

	state, entryNodeID, err := r.rehydrate(ctx, run, proc)
	if err != nil {
		log.Error("rehydrate failed", "error", err)
		_ = r.be.FailJob(ctx, job.JobID, orcherr.Retryable(err), r.backoff(job.Attempts))
		return
	}

	threadID := run.ThreadID
	if threadID == "" {
		threadID = run.ID
	}

	outcome := r.graph.Run(jobCtx, proc, threadID, state, entryNodeID)
	r.persist(ctx, run, outcome, log)

	switch outcome.Status {
	case graph.StatusSuspendedApproval, graph.StatusSuspendedWorkflow:
		_ = r.be.CompleteJob(ctx, job.JobID)
	case graph.StatusCanceled:
		_ = r.be.FailJob(ctx, job.JobID, false, 0)
	case graph.StatusCompleted:
		_ = r.be.CompleteJob(ctx, job.JobID)
	case graph.StatusFailed:
		retryable := outcome.Err != nil && orcherr.Retryable(outcome.Err)
		_ = r.be.FailJob(ctx, job.JobID, retryable, r.backoff(job.Attempts))
	}
}

// rehydrate builds the run's execution state, resuming from the latest
// checkpoint when one exists (spec.md §4.8/§4.10) and routing a decided
// approval or a completed async dispatch back into its resume node.
func (r *Runner) rehydrate(ctx context.Context, run *backend.Run, proc *procedure.IRProcedure) (*nodeexec.State, string, error) {
	threadID := run.ThreadID
	if threadID == "" {
		threadID = run.ID
	}

	cp, err := r.be.GetCheckpoint(ctx, threadID, "")
	if err != nil || cp == nil {
		return &nodeexec.State{
			RunID:            run.ID,
			ProcedureID:      run.WorkflowID,
			ProcedureVersion: run.ProcedureVersion,
			Vars:             copyAnyMap(run.Inputs),
			Results:          map[string]any{},
		}, proc.StartNodeID, nil
	}

	state := stateFromCheckpoint(run, cp)

	if state.AwaitingApproval {
		decision, derr := r.latestDecision(ctx, run.ID, state.WorkflowResumeNode)
		if derr != nil {
			return nil, "", derr
		}
		state.ApprovalDecision = decision
		return state, state.WorkflowResumeNode, nil
	}

	if state.WorkflowPending {
		state.WorkflowPending = false
		return state, state.WorkflowResumeNode, nil
	}

	return state, state.CurrentNodeID, nil
}

// latestDecision finds the decided status of the most recent approval
// opened for nodeID on runID. Returns orcherr.KindValidation (non-retryable
// backoff target) if no decision has been recorded yet; the caller should
// requeue the job once the approval endpoint decides it, not busy-poll here.
func (r *Runner) latestDecision(ctx context.Context, runID, nodeID string) (string, error) {
	approvals, err := r.be.ListApprovalsByRun(ctx, runID)
	if err != nil {
		return "", orcherr.Wrap(orcherr.KindInternal, nodeID, err)
	}

	var latest *backend.Approval
	for _, a := range approvals {
		if a.NodeID != nodeID || a.Status == "pending" {
			continue
		}
		if latest == nil || (a.DecidedAt != nil && latest.DecidedAt != nil && a.DecidedAt.After(*latest.DecidedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return "", orcherr.New(orcherr.KindValidation, nodeID, "approval decision not yet recorded")
	}
	return latest.Status, nil
}

// persist writes the outcome of one graph.Run invocation back onto the run
// record: terminal runs get a status/output/error, suspended runs keep
// running but record their resume point for operator visibility.
func (r *Runner) persist(ctx context.Context, run *backend.Run, outcome graph.Outcome, log *slog.Logger) {
	if outcome.State != nil {
		run.Vars = outcome.State.Vars
		run.LastNodeID = outcome.State.CurrentNodeID
	}

	switch outcome.Status {
	case graph.StatusCompleted:
		run.Status = "completed"
		if outcome.State != nil {
			run.Output = outcome.State.Vars
		}
		now := time.Now()
		run.CompletedAt = &now
	case graph.StatusFailed:
		run.Status = "failed"
		if outcome.Err != nil {
			run.Error = outcome.Err.Error()
		}
		now := time.Now()
		run.CompletedAt = &now
	case graph.StatusCanceled:
		run.Status = "canceled"
		now := time.Now()
		run.CompletedAt = &now
	case graph.StatusSuspendedApproval:
		run.Status = "waiting_approval"
	case graph.StatusSuspendedWorkflow:
		run.Status = "waiting_workflow"
	}

	if err := r.be.UpdateRun(ctx, run); err != nil {
		log.Error("update run failed", "error", err)
		metrics.RecordPersistenceError("UpdateRun", metrics.CategorizeError(err))
	}
}

func stateFromCheckpoint(run *backend.Run, cp *backend.Checkpoint) *nodeexec.State {
	s := &nodeexec.State{
		RunID:            run.ID,
		ProcedureID:      run.WorkflowID,
		ProcedureVersion: run.ProcedureVersion,
		Vars:             map[string]any{},
		Results:          map[string]any{},
	}
	if v, ok := cp.State["vars"].(map[string]any); ok {
		s.Vars = v
	}
	if v, ok := cp.State["results"].(map[string]any); ok {
		s.Results = v
	}
	if v, ok := cp.State["current_node_id"].(string); ok {
		s.CurrentNodeID = v
	}
	if v, ok := cp.State["loop_index"].(int); ok {
		s.LoopIndex = v
	}
	if v, ok := cp.State["awaiting_approval"].(bool); ok {
		s.AwaitingApproval = v
	}
	if v, ok := cp.State["workflow_pending"].(bool); ok {
		s.WorkflowPending = v
	}
	if v, ok := cp.State["workflow_resume_node"].(string); ok {
		s.WorkflowResumeNode = v
	}
	if v, ok := cp.State["workflow_resume_step"].(string); ok {
		s.WorkflowResumeStep = v
	}
	return s
}

func copyAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Runner) heartbeat(ctx context.Context, jobID, runID string, log *slog.Logger) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.be.HeartbeatJob(ctx, jobID, r.cfg.WorkerID, r.cfg.LockDuration); err != nil {
				log.Warn("heartbeat failed", "error", err)
			}
			run, err := r.be.GetRun(ctx, runID)
			if err != nil {
				continue
			}
			if run.CancellationRequested {
				r.cancel.Cancel(runID)
			}
		}
	}
}

func (r *Runner) backoff(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return d
}

func versionString(v int) string {
	if v <= 0 {
		return "latest"
	}
	return fmt.Sprintf("%d", v)
}
