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

// Package backend provides storage backends for the controller.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun
//   - RunLister (optional): ListRuns, DeleteRun
//   - CheckpointStore (optional): checkpoint history per thread
//   - JobQueue (optional): durable queue pickup for the worker loop
//   - LeaseStore (optional): bounded-concurrency resource leases
//   - IdempotencyStore (optional): per-step dedup ledger
//   - AgentStore (optional): agent instance registry with circuit state
//   - EventStore (optional): append-only run event log
//   - ApprovalStore (optional): human approval records
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured implementations.
// Components can accept the narrowest interface they need and use type
// assertions to detect optional capabilities at runtime.
package backend

import (
	"context"
	"io"
	"time"
)

// RunStore is the core interface for run storage operations.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
}

// RunLister is an optional interface for listing and deleting runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// CheckpointStore persists an append-only history of checkpoints per thread.
// A thread is the run's own id by default, or a derived id (e.g. the
// ":on_failure" suffix used for global failure-handler sub-graphs).
type CheckpointStore interface {
	// PutCheckpoint appends a new checkpoint for threadID and returns its
	// checkpoint id. Checkpoint.Step must be monotonically increasing per
	// thread; callers are responsible for that ordering.
	PutCheckpoint(ctx context.Context, threadID string, cp *Checkpoint) (string, error)

	// ListCheckpoints returns all checkpoints for threadID ordered by Step asc.
	ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// GetCheckpoint returns one checkpoint. An empty checkpointID returns the
	// latest (highest Step) checkpoint for the thread.
	GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
}

// StepResultStore is an optional interface for step result storage, used for
// step-level debugging and inspection (not the idempotency ledger).
type StepResultStore interface {
	SaveStepResult(ctx context.Context, result *StepResult) error
	GetStepResult(ctx context.Context, runID, stepID string) (*StepResult, error)
	ListStepResults(ctx context.Context, runID string) ([]*StepResult, error)
}

// JobQueue is the durable job queue backing the worker loop (spec.md §4.11).
type JobQueue interface {
	// EnqueueJob inserts a new queue row for runID if one does not already
	// exist (unique on run_id); a no-op otherwise.
	EnqueueJob(ctx context.Context, runID string, priority, maxAttempts int) error

	// RequeueJob resets an existing row to queued with a (typically raised)
	// priority, used to resume a run paused for approval.
	RequeueJob(ctx context.Context, runID string, priority int) error

	// DequeueJob claims and returns the next available job for workerID, or
	// nil if none are available. lockDuration sets locked_until.
	DequeueJob(ctx context.Context, workerID string, lockDuration time.Duration) (*Job, error)

	// HeartbeatJob renews a claimed job's lock.
	HeartbeatJob(ctx context.Context, jobID, workerID string, lockDuration time.Duration) error

	// CompleteJob marks a job terminally done.
	CompleteJob(ctx context.Context, jobID string) error

	// FailJob marks a job failed. If retryable and attempts < max_attempts,
	// the job returns to queued at now+backoff; otherwise it is marked
	// terminally failed.
	FailJob(ctx context.Context, jobID string, retryable bool, backoff time.Duration) error

	// RecoverStalledJobs reclaims jobs whose lock has expired.
	RecoverStalledJobs(ctx context.Context) (int64, error)

	// GetJob returns a job by run id, for inspection.
	GetJobByRun(ctx context.Context, runID string) (*Job, error)
}

// LeaseStore backs the resource lease manager (spec.md §4.5).
type LeaseStore interface {
	// TryAcquireLease atomically counts active leases on resourceKey and, if
	// under limit, inserts a new one expiring after ttl. ok is false (with a
	// nil lease) when the resource is saturated.
	TryAcquireLease(ctx context.Context, resourceKey, runID, nodeID, stepID string, limit int, ttl time.Duration) (lease *Lease, ok bool, err error)

	// ReleaseLease stamps released_at on a lease.
	ReleaseLease(ctx context.Context, leaseID string) error

	// CountActiveLeases counts leases on resourceKey with released_at null
	// and expires_at in the future.
	CountActiveLeases(ctx context.Context, resourceKey string) (int, error)

	// ListActiveLeases lists active leases, optionally filtered by resourceKey.
	ListActiveLeases(ctx context.Context, resourceKey string) ([]*Lease, error)
}

// IdempotencyStore backs the idempotency and replay cache (spec.md §4.7).
type IdempotencyStore interface {
	// StartStep records (or re-affirms) that (runID, nodeID, stepID) has
	// begun external dispatch, returning the existing record if one exists
	// (so callers can inspect a prior "succeeded" status before dispatching).
	StartStep(ctx context.Context, runID, nodeID, stepID string) (*IdempotencyRecord, error)

	// SucceedStep records a successful result.
	SucceedStep(ctx context.Context, runID, nodeID, stepID string, resultJSON []byte) error

	// FailStep records a failed attempt.
	FailStep(ctx context.Context, runID, nodeID, stepID string, errMsg string) error

	// GetStep returns the current record, or nil if none exists.
	GetStep(ctx context.Context, runID, nodeID, stepID string) (*IdempotencyRecord, error)
}

// AgentStore backs the agent & tool registry (spec.md §4.3).
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *AgentInstance) error
	GetAgent(ctx context.Context, agentID string) (*AgentInstance, error)
	ListAgentsByChannel(ctx context.Context, channel string) ([]*AgentInstance, error)
	SetAgentStatus(ctx context.Context, agentID, status string) error
	RecordAgentFailure(ctx context.Context, agentID string, consecutiveFailures int, circuitOpenAt *time.Time) error
	RecordAgentSuccess(ctx context.Context, agentID string) error
}

// EventStore backs the append-only event stream (spec.md §4.15).
type EventStore interface {
	// AppendEvent assigns a monotonically increasing EventID and appends ev.
	AppendEvent(ctx context.Context, ev *Event) error

	// ListEvents returns events for runID with EventID > afterEventID,
	// ordered by EventID asc.
	ListEvents(ctx context.Context, runID string, afterEventID int64) ([]*Event, error)
}

// ApprovalStore backs human-approval bookkeeping.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *Approval) error
	DecideApproval(ctx context.Context, approvalID, status, decision string) error
	GetApproval(ctx context.Context, approvalID string) (*Approval, error)
	ListApprovalsByRun(ctx context.Context, runID string) ([]*Approval, error)
}

// Backend defines the full interface for controller storage. Existing
// backends (memory, postgres, sqlite) implement all methods and satisfy
// this interface.
type Backend interface {
	RunStore
	RunLister
	CheckpointStore
	StepResultStore
	JobQueue
	LeaseStore
	IdempotencyStore
	AgentStore
	EventStore
	ApprovalStore
	io.Closer
}

// Run represents one execution of one procedure version (spec.md §3, "Run").
//
// WorkflowID/Workflow are retained from the teacher's original run-tracking
// model and repurposed as ProcedureID/a human label; the orchestration
// fields below (ThreadID, Vars, LastNodeID, ...) are additions.
type Run struct {
	ID                    string         `json:"id"`
	WorkflowID            string         `json:"workflow_id"` // procedure_id
	Workflow              string         `json:"workflow"`    // display label
	ProcedureVersion      int            `json:"procedure_version"`
	ThreadID              string         `json:"thread_id"` // defaults to ID
	Status                string         `json:"status"`
	CorrelationID         string         `json:"correlation_id,omitempty"`
	Inputs                map[string]any `json:"inputs,omitempty"`
	Vars                  map[string]any `json:"vars,omitempty"`
	Output                map[string]any `json:"output,omitempty"`
	Error                 string         `json:"error,omitempty"`
	CurrentStep           string         `json:"current_step,omitempty"`
	LastNodeID            string         `json:"last_node_id,omitempty"`
	LastStepID            string         `json:"last_step_id,omitempty"`
	CancellationRequested bool           `json:"cancellation_requested"`
	Completed             int            `json:"completed"`
	Total                 int            `json:"total"`
	ParentRunID           string         `json:"parent_run_id,omitempty"`
	ReplayConfig          *ReplayConfig  `json:"replay_config,omitempty"`
	StartedAt             *time.Time     `json:"started_at,omitempty"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status   string
	Workflow string
	Limit    int
	Offset   int
}

// Checkpoint is one snapshot of run state at a node boundary (spec.md §4.8).
type Checkpoint struct {
	ThreadID           string         `json:"thread_id"`
	CheckpointID       string         `json:"checkpoint_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	RunID              string         `json:"run_id"`
	Step               int            `json:"step"`
	State              map[string]any `json:"state"`
	PendingWrites      map[string]any `json:"pending_writes,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// StepResult represents the result of a single step execution, kept for
// operator-facing inspection independent of the idempotency ledger.
type StepResult struct {
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	StepIndex int            `json:"step_index"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReplayConfig represents the configuration for a replay execution.
type ReplayConfig struct {
	ParentRunID    string         `json:"parent_run_id"`
	FromStepID     string         `json:"from_step_id,omitempty"`
	OverrideInputs map[string]any `json:"override_inputs,omitempty"`
	OverrideSteps  map[string]any `json:"override_steps,omitempty"`
	MaxCost        float64        `json:"max_cost,omitempty"`
	ValidateSchema bool           `json:"validate_schema"`
}

// ScheduleState represents the persistent state of a schedule.
type ScheduleState struct {
	Name       string     `json:"name"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	Enabled    bool       `json:"enabled"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ScheduleBackend extends Backend with schedule persistence.
type ScheduleBackend interface {
	Backend

	SaveScheduleState(ctx context.Context, state *ScheduleState) error
	GetScheduleState(ctx context.Context, name string) (*ScheduleState, error)
	ListScheduleStates(ctx context.Context) ([]*ScheduleState, error)
	DeleteScheduleState(ctx context.Context, name string) error
}

// Job is a durable queue row driving the execution of one run (spec.md §3,
// "Run Job").
type Job struct {
	JobID       string     `json:"job_id"`
	RunID       string     `json:"run_id"`
	Status      string     `json:"status"` // queued, running, done, failed
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	AvailableAt time.Time  `json:"available_at"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Lease is a time-bounded reservation of a shared resource (spec.md §3,
// "Resource Lease").
type Lease struct {
	LeaseID     string     `json:"lease_id"`
	ResourceKey string     `json:"resource_key"`
	RunID       string     `json:"run_id"`
	NodeID      string     `json:"node_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	AcquiredAt  time.Time  `json:"acquired_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// IdempotencyRecord is the persisted ledger entry for one (run, node, step).
type IdempotencyRecord struct {
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	StepID     string    `json:"step_id"`
	Status     string    `json:"status"` // started, succeeded, failed
	ResultJSON []byte    `json:"result_json,omitempty"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentInstance is a registered external agent process (spec.md §3,
// "Agent Instance").
type AgentInstance struct {
	AgentID             string    `json:"agent_id"`
	Channel             string    `json:"channel"`
	BaseURL             string    `json:"base_url"`
	Status              string    `json:"status"` // online, offline, degraded
	ConcurrencyLimit    int       `json:"concurrency_limit"`
	ResourceKey         string    `json:"resource_key"`
	Capabilities        []string  `json:"capabilities,omitempty"`
	CircuitOpenAt       *time.Time `json:"circuit_open_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	PoolID              string    `json:"pool_id,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Event is one append-only run event (spec.md §3, "Run Event").
type Event struct {
	EventID   int64          `json:"event_id"`
	RunID     string         `json:"run_id"`
	EventType string         `json:"event_type"`
	NodeID    string         `json:"node_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Approval is a pending or decided human-approval gate.
type Approval struct {
	ApprovalID   string     `json:"approval_id"`
	RunID        string     `json:"run_id"`
	NodeID       string     `json:"node_id"`
	Prompt       string     `json:"prompt"`
	DecisionType string     `json:"decision_type"`
	Status       string     `json:"status"` // pending, approved, rejected, timed_out
	Decision     string     `json:"decision,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}
