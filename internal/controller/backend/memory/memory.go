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

// Package memory provides an in-memory backend implementation, used in tests
// and single-process demos where durability across restarts is not required.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/controller/backend"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.StepResultStore = (*Backend)(nil)
	_ backend.JobQueue        = (*Backend)(nil)
	_ backend.LeaseStore      = (*Backend)(nil)
	_ backend.IdempotencyStore = (*Backend)(nil)
	_ backend.AgentStore      = (*Backend)(nil)
	_ backend.EventStore      = (*Backend)(nil)
	_ backend.ApprovalStore   = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
	_ backend.ScheduleBackend = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu           sync.RWMutex
	runs         map[string]*backend.Run
	checkpoints  map[string][]*backend.Checkpoint // threadID -> ordered history
	stepResults  map[string]map[string]*backend.StepResult
	schedules    map[string]*backend.ScheduleState
	jobs         map[string]*backend.Job // jobID -> job
	jobsByRun    map[string]string       // runID -> jobID
	leases       map[string]*backend.Lease
	idempotency  map[string]*backend.IdempotencyRecord // key: runID/nodeID/stepID
	agents       map[string]*backend.AgentInstance
	events       map[string][]*backend.Event
	nextEventID  int64
	approvals    map[string]*backend.Approval
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:        make(map[string]*backend.Run),
		checkpoints: make(map[string][]*backend.Checkpoint),
		stepResults: make(map[string]map[string]*backend.StepResult),
		schedules:   make(map[string]*backend.ScheduleState),
		jobs:        make(map[string]*backend.Job),
		jobsByRun:   make(map[string]string),
		leases:      make(map[string]*backend.Lease),
		idempotency: make(map[string]*backend.IdempotencyRecord),
		agents:      make(map[string]*backend.AgentInstance),
		events:      make(map[string][]*backend.Event),
		approvals:   make(map[string]*backend.Approval),
	}
}

func idempotencyKey(runID, nodeID, stepID string) string {
	return runID + "/" + nodeID + "/" + stepID
}

// --- Runs ---

func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	if run.ThreadID == "" {
		run.ThreadID = run.ID
	}
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	cp := *run
	b.runs[run.ID] = &cp
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	cp := *run
	return &cp, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; !exists {
		return fmt.Errorf("run not found: %s", run.ID)
	}

	run.UpdatedAt = time.Now()
	cp := *run
	b.runs[run.ID] = &cp
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Run
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		cp := *run
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.runs, id)
	delete(b.checkpoints, id)
	delete(b.stepResults, id)
	delete(b.events, id)
	if jobID, ok := b.jobsByRun[id]; ok {
		delete(b.jobs, jobID)
		delete(b.jobsByRun, id)
	}
	return nil
}

// --- Checkpoints ---

func (b *Backend) PutCheckpoint(ctx context.Context, threadID string, cp *backend.Checkpoint) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp.ThreadID = threadID
	cp.CheckpointID = uuid.NewString()
	cp.CreatedAt = time.Now()
	copied := *cp
	b.checkpoints[threadID] = append(b.checkpoints[threadID], &copied)
	return cp.CheckpointID, nil
}

func (b *Backend) ListCheckpoints(ctx context.Context, threadID string) ([]*backend.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := b.checkpoints[threadID]
	result := make([]*backend.Checkpoint, len(history))
	for i, cp := range history {
		c := *cp
		result[i] = &c
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Step < result[j].Step })
	return result, nil
}

func (b *Backend) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*backend.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := b.checkpoints[threadID]
	if len(history) == 0 {
		return nil, fmt.Errorf("no checkpoints for thread: %s", threadID)
	}
	if checkpointID == "" {
		latest := history[0]
		for _, cp := range history[1:] {
			if cp.Step > latest.Step {
				latest = cp
			}
		}
		c := *latest
		return &c, nil
	}
	for _, cp := range history {
		if cp.CheckpointID == checkpointID {
			c := *cp
			return &c, nil
		}
	}
	return nil, fmt.Errorf("checkpoint not found: %s", checkpointID)
}

// --- Step results ---

func (b *Backend) SaveStepResult(ctx context.Context, result *backend.StepResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	result.CreatedAt = time.Now()
	if b.stepResults[result.RunID] == nil {
		b.stepResults[result.RunID] = make(map[string]*backend.StepResult)
	}
	cp := *result
	b.stepResults[result.RunID][result.StepID] = &cp
	return nil
}

func (b *Backend) GetStepResult(ctx context.Context, runID, stepID string) (*backend.StepResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	results, ok := b.stepResults[runID]
	if !ok {
		return nil, fmt.Errorf("step result not found: %s (run: %s)", stepID, runID)
	}
	result, ok := results[stepID]
	if !ok {
		return nil, fmt.Errorf("step result not found: %s (run: %s)", stepID, runID)
	}
	cp := *result
	return &cp, nil
}

func (b *Backend) ListStepResults(ctx context.Context, runID string) ([]*backend.StepResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]*backend.StepResult, 0, len(b.stepResults[runID]))
	for _, r := range b.stepResults[runID] {
		cp := *r
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].StepIndex < results[j].StepIndex })
	return results, nil
}

// --- Job queue ---

func (b *Backend) EnqueueJob(ctx context.Context, runID string, priority, maxAttempts int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobsByRun[runID]; exists {
		return nil
	}
	now := time.Now()
	job := &backend.Job{
		JobID:       uuid.NewString(),
		RunID:       runID,
		Status:      "queued",
		Priority:    priority,
		MaxAttempts: maxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.jobs[job.JobID] = job
	b.jobsByRun[runID] = job.JobID
	return nil
}

func (b *Backend) RequeueJob(ctx context.Context, runID string, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobID, exists := b.jobsByRun[runID]
	if !exists {
		now := time.Now()
		job := &backend.Job{JobID: uuid.NewString(), RunID: runID, Status: "queued", Priority: priority, MaxAttempts: 1, AvailableAt: now, CreatedAt: now, UpdatedAt: now}
		b.jobs[job.JobID] = job
		b.jobsByRun[runID] = job.JobID
		return nil
	}
	job := b.jobs[jobID]
	job.Status = "queued"
	job.Priority = priority
	job.LockedBy = ""
	job.LockedUntil = nil
	job.AvailableAt = time.Now()
	job.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) DequeueJob(ctx context.Context, workerID string, lockDuration time.Duration) (*backend.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var best *backend.Job
	for _, job := range b.jobs {
		if job.Status != "queued" || job.AvailableAt.After(now) {
			continue
		}
		if best == nil || job.Priority > best.Priority || (job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = "running"
	best.LockedBy = workerID
	until := now.Add(lockDuration)
	best.LockedUntil = &until
	best.Attempts++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (b *Backend) HeartbeatJob(ctx context.Context, jobID, workerID string, lockDuration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok || job.Status != "running" || job.LockedBy != workerID {
		return fmt.Errorf("job not locked by worker: %s", jobID)
	}
	until := time.Now().Add(lockDuration)
	job.LockedUntil = &until
	return nil
}

func (b *Backend) CompleteJob(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return nil
	}
	job.Status = "done"
	job.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) FailJob(ctx context.Context, jobID string, retryable bool, backoff time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return nil
	}
	if retryable && job.Attempts < job.MaxAttempts {
		job.Status = "queued"
		job.LockedBy = ""
		job.LockedUntil = nil
		job.AvailableAt = time.Now().Add(backoff)
	} else {
		job.Status = "failed"
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) RecoverStalledJobs(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var recovered int64
	for _, job := range b.jobs {
		if job.Status == "running" && job.LockedUntil != nil && job.LockedUntil.Before(now) {
			job.Status = "queued"
			job.LockedBy = ""
			job.LockedUntil = nil
			job.UpdatedAt = now
			recovered++
		}
	}
	return recovered, nil
}

func (b *Backend) GetJobByRun(ctx context.Context, runID string) (*backend.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	jobID, ok := b.jobsByRun[runID]
	if !ok {
		return nil, fmt.Errorf("no job for run: %s", runID)
	}
	cp := *b.jobs[jobID]
	return &cp, nil
}

// --- Leases ---

func (b *Backend) TryAcquireLease(ctx context.Context, resourceKey, runID, nodeID, stepID string, limit int, ttl time.Duration) (*backend.Lease, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	active := 0
	for _, l := range b.leases {
		if l.ResourceKey == resourceKey && l.ReleasedAt == nil && l.ExpiresAt.After(now) {
			active++
		}
	}
	if limit <= 0 {
		limit = 1
	}
	if active >= limit {
		return nil, false, nil
	}
	lease := &backend.Lease{
		LeaseID:     uuid.NewString(),
		ResourceKey: resourceKey,
		RunID:       runID,
		NodeID:      nodeID,
		StepID:      stepID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	b.leases[lease.LeaseID] = lease
	cp := *lease
	return &cp, true, nil
}

func (b *Backend) ReleaseLease(ctx context.Context, leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lease, ok := b.leases[leaseID]
	if !ok {
		return nil
	}
	now := time.Now()
	lease.ReleasedAt = &now
	return nil
}

func (b *Backend) CountActiveLeases(ctx context.Context, resourceKey string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, l := range b.leases {
		if l.ResourceKey == resourceKey && l.ReleasedAt == nil && l.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (b *Backend) ListActiveLeases(ctx context.Context, resourceKey string) ([]*backend.Lease, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	var result []*backend.Lease
	for _, l := range b.leases {
		if l.ReleasedAt != nil || !l.ExpiresAt.After(now) {
			continue
		}
		if resourceKey != "" && l.ResourceKey != resourceKey {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	return result, nil
}

// --- Idempotency ---

func (b *Backend) StartStep(ctx context.Context, runID, nodeID, stepID string) (*backend.IdempotencyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := idempotencyKey(runID, nodeID, stepID)
	if existing, ok := b.idempotency[key]; ok {
		cp := *existing
		return &cp, nil
	}
	rec := &backend.IdempotencyRecord{RunID: runID, NodeID: nodeID, StepID: stepID, Status: "started", UpdatedAt: time.Now()}
	b.idempotency[key] = rec
	cp := *rec
	return &cp, nil
}

func (b *Backend) SucceedStep(ctx context.Context, runID, nodeID, stepID string, resultJSON []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := idempotencyKey(runID, nodeID, stepID)
	rec := b.idempotency[key]
	if rec == nil {
		rec = &backend.IdempotencyRecord{RunID: runID, NodeID: nodeID, StepID: stepID}
		b.idempotency[key] = rec
	}
	rec.Status = "succeeded"
	rec.ResultJSON = resultJSON
	rec.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) FailStep(ctx context.Context, runID, nodeID, stepID string, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := idempotencyKey(runID, nodeID, stepID)
	rec := b.idempotency[key]
	if rec == nil {
		rec = &backend.IdempotencyRecord{RunID: runID, NodeID: nodeID, StepID: stepID}
		b.idempotency[key] = rec
	}
	rec.Status = "failed"
	rec.ErrorMsg = errMsg
	rec.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) GetStep(ctx context.Context, runID, nodeID, stepID string) (*backend.IdempotencyRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.idempotency[idempotencyKey(runID, nodeID, stepID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// --- Agents ---

func (b *Backend) UpsertAgent(ctx context.Context, agent *backend.AgentInstance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	agent.UpdatedAt = time.Now()
	cp := *agent
	b.agents[agent.AgentID] = &cp
	return nil
}

func (b *Backend) GetAgent(ctx context.Context, agentID string) (*backend.AgentInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	a, ok := b.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	cp := *a
	return &cp, nil
}

func (b *Backend) ListAgentsByChannel(ctx context.Context, channel string) ([]*backend.AgentInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.AgentInstance
	for _, a := range b.agents {
		if a.Channel == channel {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (b *Backend) SetAgentStatus(ctx context.Context, agentID, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) RecordAgentFailure(ctx context.Context, agentID string, consecutiveFailures int, circuitOpenAt *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	a.ConsecutiveFailures = consecutiveFailures
	a.CircuitOpenAt = circuitOpenAt
	a.UpdatedAt = time.Now()
	return nil
}

func (b *Backend) RecordAgentSuccess(ctx context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	a.ConsecutiveFailures = 0
	a.CircuitOpenAt = nil
	a.UpdatedAt = time.Now()
	return nil
}

// --- Events ---

func (b *Backend) AppendEvent(ctx context.Context, ev *backend.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextEventID++
	ev.EventID = b.nextEventID
	ev.CreatedAt = time.Now()
	cp := *ev
	b.events[ev.RunID] = append(b.events[ev.RunID], &cp)
	return nil
}

func (b *Backend) ListEvents(ctx context.Context, runID string, afterEventID int64) ([]*backend.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Event
	for _, ev := range b.events[runID] {
		if ev.EventID > afterEventID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EventID < result[j].EventID })
	return result, nil
}

// --- Approvals ---

func (b *Backend) CreateApproval(ctx context.Context, approval *backend.Approval) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if approval.ApprovalID == "" {
		approval.ApprovalID = uuid.NewString()
	}
	approval.CreatedAt = time.Now()
	cp := *approval
	b.approvals[approval.ApprovalID] = &cp
	return nil
}

func (b *Backend) DecideApproval(ctx context.Context, approvalID, status, decision string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.approvals[approvalID]
	if !ok {
		return fmt.Errorf("approval not found: %s", approvalID)
	}
	a.Status = status
	a.Decision = decision
	now := time.Now()
	a.DecidedAt = &now
	return nil
}

func (b *Backend) GetApproval(ctx context.Context, approvalID string) (*backend.Approval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	a, ok := b.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval not found: %s", approvalID)
	}
	cp := *a
	return &cp, nil
}

func (b *Backend) ListApprovalsByRun(ctx context.Context, runID string) ([]*backend.Approval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Approval
	for _, a := range b.approvals {
		if a.RunID == runID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

// --- Schedules ---

func (b *Backend) SaveScheduleState(ctx context.Context, state *backend.ScheduleState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state.UpdatedAt = time.Now()
	cp := *state
	b.schedules[state.Name] = &cp
	return nil
}

func (b *Backend) GetScheduleState(ctx context.Context, name string) (*backend.ScheduleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state, exists := b.schedules[name]
	if !exists {
		return nil, fmt.Errorf("schedule state not found: %s", name)
	}
	cp := *state
	return &cp, nil
}

func (b *Backend) ListScheduleStates(ctx context.Context) ([]*backend.ScheduleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*backend.ScheduleState, 0, len(b.schedules))
	for _, state := range b.schedules {
		cp := *state
		result = append(result, &cp)
	}
	return result, nil
}

func (b *Backend) DeleteScheduleState(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.schedules, name)
	return nil
}

// Close closes the backend. No-op for the in-memory store.
func (b *Backend) Close() error {
	return nil
}
