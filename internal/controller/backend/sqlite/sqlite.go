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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments, where one process owns all writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/controller/backend"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore         = (*Backend)(nil)
	_ backend.RunLister        = (*Backend)(nil)
	_ backend.CheckpointStore  = (*Backend)(nil)
	_ backend.StepResultStore  = (*Backend)(nil)
	_ backend.JobQueue         = (*Backend)(nil)
	_ backend.LeaseStore       = (*Backend)(nil)
	_ backend.IdempotencyStore = (*Backend)(nil)
	_ backend.AgentStore       = (*Backend)(nil)
	_ backend.EventStore       = (*Backend)(nil)
	_ backend.ApprovalStore    = (*Backend)(nil)
	_ backend.Backend          = (*Backend)(nil)
	_ backend.ScheduleBackend  = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	Path string
	WAL  bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			procedure_version INTEGER DEFAULT 0,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			correlation_id TEXT,
			inputs TEXT,
			vars TEXT,
			output TEXT,
			error TEXT,
			current_step TEXT,
			last_node_id TEXT,
			last_step_id TEXT,
			cancellation_requested INTEGER DEFAULT 0,
			completed INTEGER DEFAULT 0,
			total INTEGER DEFAULT 0,
			parent_run_id TEXT,
			replay_config TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent_run_id ON runs(parent_run_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			state TEXT,
			pending_writes TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, step)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			inputs TEXT,
			outputs TEXT,
			duration INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			cost_usd REAL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_run_id ON step_results(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_jobs (
			job_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'queued',
			priority INTEGER DEFAULT 0,
			attempts INTEGER DEFAULT 0,
			max_attempts INTEGER DEFAULT 1,
			available_at TEXT NOT NULL,
			locked_by TEXT,
			locked_until TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_jobs_status ON run_jobs(status, priority DESC, available_at ASC)`,
		`CREATE TABLE IF NOT EXISTS resource_leases (
			lease_id TEXT PRIMARY KEY,
			resource_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			node_id TEXT,
			step_id TEXT,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			released_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_leases_key ON resource_leases(resource_key, released_at, expires_at)`,
		`CREATE TABLE IF NOT EXISTS step_idempotency (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result_json TEXT,
			error_msg TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_instances (
			agent_id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			base_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'online',
			concurrency_limit INTEGER DEFAULT 1,
			resource_key TEXT NOT NULL,
			capabilities TEXT,
			circuit_open_at TEXT,
			consecutive_failures INTEGER DEFAULT 0,
			pool_id TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_instances_channel ON agent_instances(channel, status)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			node_id TEXT,
			step_id TEXT,
			attempt INTEGER DEFAULT 0,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			prompt TEXT,
			decision_type TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			decision TEXT,
			created_at TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id)`,
		`CREATE TABLE IF NOT EXISTS schedule_states (
			name TEXT PRIMARY KEY,
			last_run TEXT,
			next_run TEXT,
			run_count INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// --- Runs ---

func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	inputsJSON, _ := json.Marshal(run.Inputs)
	varsJSON, _ := json.Marshal(run.Vars)
	outputJSON, _ := json.Marshal(run.Output)
	var replayConfigJSON []byte
	if run.ReplayConfig != nil {
		replayConfigJSON, _ = json.Marshal(run.ReplayConfig)
	}
	if run.ThreadID == "" {
		run.ThreadID = run.ID
	}

	query := `
		INSERT INTO runs (id, workflow_id, workflow, procedure_version, thread_id, status, correlation_id,
			inputs, vars, output, error, current_step, last_node_id, last_step_id, cancellation_requested,
			completed, total, parent_run_id, replay_config, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := b.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, run.Workflow, run.ProcedureVersion, run.ThreadID, run.Status, nullString(run.CorrelationID),
		string(inputsJSON), string(varsJSON), string(outputJSON), nullString(run.Error),
		nullString(run.CurrentStep), nullString(run.LastNodeID), nullString(run.LastStepID), boolToInt(run.CancellationRequested),
		run.Completed, run.Total, nullString(run.ParentRunID), nullBytes(replayConfigJSON),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

const runColumns = `id, workflow_id, workflow, procedure_version, thread_id, status, correlation_id,
	inputs, vars, output, error, current_step, last_node_id, last_step_id, cancellation_requested,
	completed, total, parent_run_id, replay_config, started_at, completed_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*backend.Run, error) {
	var run backend.Run
	var inputsJSON, varsJSON, outputJSON, replayConfigJSON sql.NullString
	var correlationID, currentStep, lastNodeID, lastStepID, parentRunID, errorStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString
	var cancellationRequested int

	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.Workflow, &run.ProcedureVersion, &run.ThreadID, &run.Status, &correlationID,
		&inputsJSON, &varsJSON, &outputJSON, &errorStr,
		&currentStep, &lastNodeID, &lastStepID, &cancellationRequested,
		&run.Completed, &run.Total,
		&parentRunID, &replayConfigJSON,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.CorrelationID = correlationID.String
	run.CurrentStep = currentStep.String
	run.LastNodeID = lastNodeID.String
	run.LastStepID = lastStepID.String
	run.ParentRunID = parentRunID.String
	run.Error = errorStr.String
	run.CancellationRequested = cancellationRequested != 0

	if inputsJSON.Valid && inputsJSON.String != "" {
		json.Unmarshal([]byte(inputsJSON.String), &run.Inputs)
	}
	if varsJSON.Valid && varsJSON.String != "" {
		json.Unmarshal([]byte(varsJSON.String), &run.Vars)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		json.Unmarshal([]byte(outputJSON.String), &run.Output)
	}
	if replayConfigJSON.Valid && replayConfigJSON.String != "" {
		var rc backend.ReplayConfig
		if err := json.Unmarshal([]byte(replayConfigJSON.String), &rc); err == nil {
			run.ReplayConfig = &rc
		}
	}
	if startedAt.Valid && startedAt.String != "" {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}

	return &run, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	inputsJSON, _ := json.Marshal(run.Inputs)
	varsJSON, _ := json.Marshal(run.Vars)
	outputJSON, _ := json.Marshal(run.Output)
	var replayConfigJSON []byte
	if run.ReplayConfig != nil {
		replayConfigJSON, _ = json.Marshal(run.ReplayConfig)
	}

	query := `
		UPDATE runs SET
			workflow_id = ?, workflow = ?, procedure_version = ?, thread_id = ?, status = ?, correlation_id = ?,
			inputs = ?, vars = ?, output = ?, error = ?, current_step = ?, last_node_id = ?, last_step_id = ?,
			cancellation_requested = ?, completed = ?, total = ?, parent_run_id = ?, replay_config = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		run.WorkflowID, run.Workflow, run.ProcedureVersion, run.ThreadID, run.Status, nullString(run.CorrelationID),
		string(inputsJSON), string(varsJSON), string(outputJSON), nullString(run.Error), nullString(run.CurrentStep),
		nullString(run.LastNodeID), nullString(run.LastStepID), boolToInt(run.CancellationRequested),
		run.Completed, run.Total, nullString(run.ParentRunID), nullBytes(replayConfigJSON),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), now.Format(time.RFC3339),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}

	run.UpdatedAt = now
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Workflow != "" {
		query += " AND workflow = ?"
		args = append(args, filter.Workflow)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// --- Checkpoints ---

func (b *Backend) PutCheckpoint(ctx context.Context, threadID string, cp *backend.Checkpoint) (string, error) {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	pendingJSON, _ := json.Marshal(cp.PendingWrites)

	cp.ThreadID = threadID
	cp.CheckpointID = uuid.NewString()
	now := time.Now()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, thread_id, parent_checkpoint_id, run_id, step, state, pending_writes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.CheckpointID, threadID, nullString(cp.ParentCheckpointID), cp.RunID, cp.Step, string(stateJSON), string(pendingJSON), now.Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	cp.CreatedAt = now
	return cp.CheckpointID, nil
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*backend.Checkpoint, error) {
	var cp backend.Checkpoint
	var parentID, stateJSON, pendingJSON, createdAt sql.NullString
	if err := row.Scan(&cp.CheckpointID, &cp.ThreadID, &parentID, &cp.RunID, &cp.Step, &stateJSON, &pendingJSON, &createdAt); err != nil {
		return nil, err
	}
	cp.ParentCheckpointID = parentID.String
	if stateJSON.Valid && stateJSON.String != "" {
		json.Unmarshal([]byte(stateJSON.String), &cp.State)
	}
	if pendingJSON.Valid && pendingJSON.String != "" {
		json.Unmarshal([]byte(pendingJSON.String), &cp.PendingWrites)
	}
	if createdAt.Valid {
		cp.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	return &cp, nil
}

const checkpointColumns = `checkpoint_id, thread_id, parent_checkpoint_id, run_id, step, state, pending_writes, created_at`

func (b *Backend) ListCheckpoints(ctx context.Context, threadID string) ([]*backend.Checkpoint, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE thread_id = ? ORDER BY step ASC", threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*backend.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		result = append(result, cp)
	}
	return result, nil
}

func (b *Backend) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*backend.Checkpoint, error) {
	var row *sql.Row
	if checkpointID == "" {
		row = b.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1", threadID)
	} else {
		row = b.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?", threadID, checkpointID)
	}
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint not found for thread: %s", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// --- Step results ---

func (b *Backend) SaveStepResult(ctx context.Context, result *backend.StepResult) error {
	inputsJSON, _ := json.Marshal(result.Inputs)
	outputsJSON, _ := json.Marshal(result.Outputs)

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO step_results (run_id, step_id, step_index, inputs, outputs, duration, status, error, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			step_index = excluded.step_index, inputs = excluded.inputs, outputs = excluded.outputs,
			duration = excluded.duration, status = excluded.status, error = excluded.error,
			cost_usd = excluded.cost_usd, created_at = excluded.created_at
	`, result.RunID, result.StepID, result.StepIndex, string(inputsJSON), string(outputsJSON),
		result.Duration.Nanoseconds(), result.Status, nullString(result.Error), result.CostUSD, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	result.CreatedAt = now
	return nil
}

func scanStepResult(row interface{ Scan(...any) error }) (*backend.StepResult, error) {
	var result backend.StepResult
	var inputsJSON, outputsJSON, errorStr, createdAt sql.NullString
	var durationNanos int64
	if err := row.Scan(&result.RunID, &result.StepID, &result.StepIndex, &inputsJSON, &outputsJSON,
		&durationNanos, &result.Status, &errorStr, &result.CostUSD, &createdAt); err != nil {
		return nil, err
	}
	if inputsJSON.Valid && inputsJSON.String != "" {
		json.Unmarshal([]byte(inputsJSON.String), &result.Inputs)
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		json.Unmarshal([]byte(outputsJSON.String), &result.Outputs)
	}
	result.Error = errorStr.String
	if createdAt.Valid {
		result.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	result.Duration = time.Duration(durationNanos)
	return &result, nil
}

const stepResultColumns = `run_id, step_id, step_index, inputs, outputs, duration, status, error, cost_usd, created_at`

func (b *Backend) GetStepResult(ctx context.Context, runID, stepID string) (*backend.StepResult, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+stepResultColumns+" FROM step_results WHERE run_id = ? AND step_id = ?", runID, stepID)
	result, err := scanStepResult(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step result not found: %s (run: %s)", stepID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step result: %w", err)
	}
	return result, nil
}

func (b *Backend) ListStepResults(ctx context.Context, runID string) ([]*backend.StepResult, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+stepResultColumns+" FROM step_results WHERE run_id = ? ORDER BY step_index ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []*backend.StepResult
	for rows.Next() {
		result, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		results = append(results, result)
	}
	return results, nil
}

// --- Job queue ---
//
// SQLite serializes writes within one process, so the claim here is
// optimistic rather than SELECT ... FOR UPDATE SKIP LOCKED (spec.md §4.11):
// SELECT a queued candidate, then UPDATE WHERE job_id=? AND status='queued'
// and check the affected row count.

func (b *Backend) EnqueueJob(ctx context.Context, runID string, priority, maxAttempts int) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO run_jobs (job_id, run_id, status, priority, max_attempts, available_at, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`, uuid.NewString(), runID, priority, maxAttempts, now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (b *Backend) RequeueJob(ctx context.Context, runID string, priority int) error {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE run_jobs SET status = 'queued', priority = ?, locked_by = NULL, locked_until = NULL,
			available_at = ?, updated_at = ?
		WHERE run_id = ?
	`, priority, now.Format(time.RFC3339), now.Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return b.EnqueueJob(ctx, runID, priority, 1)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*backend.Job, error) {
	var job backend.Job
	var lockedBy, lockedUntil, availableAt, createdAt, updatedAt sql.NullString
	if err := row.Scan(&job.JobID, &job.RunID, &job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&availableAt, &lockedBy, &lockedUntil, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.LockedBy = lockedBy.String
	if lockedUntil.Valid && lockedUntil.String != "" {
		t, _ := time.Parse(time.RFC3339, lockedUntil.String)
		job.LockedUntil = &t
	}
	if availableAt.Valid {
		job.AvailableAt, _ = time.Parse(time.RFC3339, availableAt.String)
	}
	if createdAt.Valid {
		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	if updatedAt.Valid {
		job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}
	return &job, nil
}

const jobColumns = `job_id, run_id, status, priority, attempts, max_attempts, available_at, locked_by, locked_until, created_at, updated_at`

func (b *Backend) DequeueJob(ctx context.Context, workerID string, lockDuration time.Duration) (*backend.Job, error) {
	now := time.Now()
	row := b.db.QueryRowContext(ctx, `
		SELECT job_id FROM run_jobs
		WHERE status = 'queued' AND available_at <= ?
		ORDER BY priority DESC, available_at ASC
		LIMIT 1
	`, now.Format(time.RFC3339))

	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find candidate job: %w", err)
	}

	until := now.Add(lockDuration)
	result, err := b.db.ExecContext(ctx, `
		UPDATE run_jobs SET status = 'running', locked_by = ?, locked_until = ?,
			attempts = attempts + 1, updated_at = ?
		WHERE job_id = ? AND status = 'queued'
	`, workerID, until.Format(time.RFC3339), now.Format(time.RFC3339), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// another concurrent caller (or timing race) claimed it first.
		return nil, nil
	}

	row = b.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM run_jobs WHERE job_id = ?", jobID)
	return scanJob(row)
}

func (b *Backend) HeartbeatJob(ctx context.Context, jobID, workerID string, lockDuration time.Duration) error {
	until := time.Now().Add(lockDuration)
	result, err := b.db.ExecContext(ctx, `
		UPDATE run_jobs SET locked_until = ?, updated_at = ?
		WHERE job_id = ? AND status = 'running' AND locked_by = ?
	`, until.Format(time.RFC3339), time.Now().Format(time.RFC3339), jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job not locked by worker: %s", jobID)
	}
	return nil
}

func (b *Backend) CompleteJob(ctx context.Context, jobID string) error {
	_, err := b.db.ExecContext(ctx, "UPDATE run_jobs SET status = 'done', updated_at = ? WHERE job_id = ?", time.Now().Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (b *Backend) FailJob(ctx context.Context, jobID string, retryable bool, backoff time.Duration) error {
	now := time.Now()
	if retryable {
		_, err := b.db.ExecContext(ctx, `
			UPDATE run_jobs SET status = 'queued', locked_by = NULL, locked_until = NULL,
				available_at = ?, updated_at = ?
			WHERE job_id = ? AND attempts < max_attempts
		`, now.Add(backoff).Format(time.RFC3339), now.Format(time.RFC3339), jobID)
		if err != nil {
			return fmt.Errorf("failed to requeue failed job: %w", err)
		}
		var status string
		if err := b.db.QueryRowContext(ctx, "SELECT status FROM run_jobs WHERE job_id = ?", jobID).Scan(&status); err == nil && status == "running" {
			retryable = false
		} else {
			return nil
		}
	}
	_, err := b.db.ExecContext(ctx, "UPDATE run_jobs SET status = 'failed', updated_at = ? WHERE job_id = ?", now.Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

func (b *Backend) RecoverStalledJobs(ctx context.Context) (int64, error) {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE run_jobs SET status = 'queued', locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE status = 'running' AND locked_until < ?
	`, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	return result.RowsAffected()
}

func (b *Backend) GetJobByRun(ctx context.Context, runID string) (*backend.Job, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM run_jobs WHERE run_id = ?", runID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no job for run: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// --- Leases ---

func (b *Backend) TryAcquireLease(ctx context.Context, resourceKey, runID, nodeID, stepID string, limit int, ttl time.Duration) (*backend.Lease, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM resource_leases
		WHERE resource_key = ? AND released_at IS NULL AND expires_at > ?
	`, resourceKey, now.Format(time.RFC3339)).Scan(&active)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count active leases: %w", err)
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resource_leases (lease_id, resource_key, run_id, node_id, step_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, lease.LeaseID, lease.ResourceKey, lease.RunID, nullString(nodeID), nullString(stepID),
		lease.AcquiredAt.Format(time.RFC3339), lease.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit lease transaction: %w", err)
	}
	return lease, true, nil
}

func (b *Backend) ReleaseLease(ctx context.Context, leaseID string) error {
	_, err := b.db.ExecContext(ctx, "UPDATE resource_leases SET released_at = ? WHERE lease_id = ?", time.Now().Format(time.RFC3339), leaseID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (b *Backend) CountActiveLeases(ctx context.Context, resourceKey string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM resource_leases WHERE resource_key = ? AND released_at IS NULL AND expires_at > ?
	`, resourceKey, time.Now().Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active leases: %w", err)
	}
	return count, nil
}

func (b *Backend) ListActiveLeases(ctx context.Context, resourceKey string) ([]*backend.Lease, error) {
	query := "SELECT lease_id, resource_key, run_id, node_id, step_id, acquired_at, expires_at, released_at FROM resource_leases WHERE released_at IS NULL AND expires_at > ?"
	args := []any{time.Now().Format(time.RFC3339)}
	if resourceKey != "" {
		query += " AND resource_key = ?"
		args = append(args, resourceKey)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	var leases []*backend.Lease
	for rows.Next() {
		var l backend.Lease
		var nodeID, stepID, acquiredAt, expiresAt, releasedAt sql.NullString
		if err := rows.Scan(&l.LeaseID, &l.ResourceKey, &l.RunID, &nodeID, &stepID, &acquiredAt, &expiresAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		l.NodeID = nodeID.String
		l.StepID = stepID.String
		l.AcquiredAt, _ = time.Parse(time.RFC3339, acquiredAt.String)
		l.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt.String)
		leases = append(leases, &l)
	}
	return leases, nil
}

// --- Idempotency ---

func (b *Backend) StartStep(ctx context.Context, runID, nodeID, stepID string) (*backend.IdempotencyRecord, error) {
	existing, err := b.GetStep(ctx, runID, nodeID, stepID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO step_idempotency (run_id, node_id, step_id, status, updated_at)
		VALUES (?, ?, ?, 'started', ?)
		ON CONFLICT (run_id, node_id, step_id) DO NOTHING
	`, runID, nodeID, stepID, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to start idempotency record: %w", err)
	}
	return &backend.IdempotencyRecord{RunID: runID, NodeID: nodeID, StepID: stepID, Status: "started", UpdatedAt: now}, nil
}

func (b *Backend) SucceedStep(ctx context.Context, runID, nodeID, stepID string, resultJSON []byte) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO step_idempotency (run_id, node_id, step_id, status, result_json, updated_at)
		VALUES (?, ?, ?, 'succeeded', ?, ?)
		ON CONFLICT (run_id, node_id, step_id) DO UPDATE SET status = 'succeeded', result_json = excluded.result_json, updated_at = excluded.updated_at
	`, runID, nodeID, stepID, string(resultJSON), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark step succeeded: %w", err)
	}
	return nil
}

func (b *Backend) FailStep(ctx context.Context, runID, nodeID, stepID string, errMsg string) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO step_idempotency (run_id, node_id, step_id, status, error_msg, updated_at)
		VALUES (?, ?, ?, 'failed', ?, ?)
		ON CONFLICT (run_id, node_id, step_id) DO UPDATE SET status = 'failed', error_msg = excluded.error_msg, updated_at = excluded.updated_at
	`, runID, nodeID, stepID, errMsg, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark step failed: %w", err)
	}
	return nil
}

func (b *Backend) GetStep(ctx context.Context, runID, nodeID, stepID string) (*backend.IdempotencyRecord, error) {
	var rec backend.IdempotencyRecord
	var resultJSON sql.NullString
	var errorMsg sql.NullString
	var updatedAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT run_id, node_id, step_id, status, result_json, error_msg, updated_at
		FROM step_idempotency WHERE run_id = ? AND node_id = ? AND step_id = ?
	`, runID, nodeID, stepID).Scan(&rec.RunID, &rec.NodeID, &rec.StepID, &rec.Status, &resultJSON, &errorMsg, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if resultJSON.Valid {
		rec.ResultJSON = []byte(resultJSON.String)
	}
	rec.ErrorMsg = errorMsg.String
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// --- Agents ---

func (b *Backend) UpsertAgent(ctx context.Context, agent *backend.AgentInstance) error {
	capsJSON, _ := json.Marshal(agent.Capabilities)
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO agent_instances (agent_id, channel, base_url, status, concurrency_limit, resource_key,
			capabilities, circuit_open_at, consecutive_failures, pool_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			channel = excluded.channel, base_url = excluded.base_url, status = excluded.status,
			concurrency_limit = excluded.concurrency_limit, resource_key = excluded.resource_key,
			capabilities = excluded.capabilities, pool_id = excluded.pool_id, updated_at = excluded.updated_at
	`, agent.AgentID, agent.Channel, agent.BaseURL, agent.Status, agent.ConcurrencyLimit, agent.ResourceKey,
		string(capsJSON), formatTime(agent.CircuitOpenAt), agent.ConsecutiveFailures, nullString(agent.PoolID), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	agent.UpdatedAt = now
	return nil
}

func scanAgent(row interface{ Scan(...any) error }) (*backend.AgentInstance, error) {
	var a backend.AgentInstance
	var capsJSON, circuitOpenAt, poolID sql.NullString
	var updatedAt string
	if err := row.Scan(&a.AgentID, &a.Channel, &a.BaseURL, &a.Status, &a.ConcurrencyLimit, &a.ResourceKey,
		&capsJSON, &circuitOpenAt, &a.ConsecutiveFailures, &poolID, &updatedAt); err != nil {
		return nil, err
	}
	if capsJSON.Valid && capsJSON.String != "" {
		json.Unmarshal([]byte(capsJSON.String), &a.Capabilities)
	}
	if circuitOpenAt.Valid && circuitOpenAt.String != "" {
		t, _ := time.Parse(time.RFC3339, circuitOpenAt.String)
		a.CircuitOpenAt = &t
	}
	a.PoolID = poolID.String
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

const agentColumns = `agent_id, channel, base_url, status, concurrency_limit, resource_key, capabilities, circuit_open_at, consecutive_failures, pool_id, updated_at`

func (b *Backend) GetAgent(ctx context.Context, agentID string) (*backend.AgentInstance, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agent_instances WHERE agent_id = ?", agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (b *Backend) ListAgentsByChannel(ctx context.Context, channel string) ([]*backend.AgentInstance, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agent_instances WHERE channel = ?", channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*backend.AgentInstance
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (b *Backend) SetAgentStatus(ctx context.Context, agentID, status string) error {
	_, err := b.db.ExecContext(ctx, "UPDATE agent_instances SET status = ?, updated_at = ? WHERE agent_id = ?", status, time.Now().Format(time.RFC3339), agentID)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return nil
}

func (b *Backend) RecordAgentFailure(ctx context.Context, agentID string, consecutiveFailures int, circuitOpenAt *time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE agent_instances SET consecutive_failures = ?, circuit_open_at = ?, updated_at = ? WHERE agent_id = ?
	`, consecutiveFailures, formatTime(circuitOpenAt), time.Now().Format(time.RFC3339), agentID)
	if err != nil {
		return fmt.Errorf("failed to record agent failure: %w", err)
	}
	return nil
}

func (b *Backend) RecordAgentSuccess(ctx context.Context, agentID string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE agent_instances SET consecutive_failures = 0, circuit_open_at = NULL, updated_at = ? WHERE agent_id = ?
	`, time.Now().Format(time.RFC3339), agentID)
	if err != nil {
		return fmt.Errorf("failed to record agent success: %w", err)
	}
	return nil
}

// --- Events ---

func (b *Backend) AppendEvent(ctx context.Context, ev *backend.Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, event_type, node_id, step_id, attempt, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.EventType, nullString(ev.NodeID), nullString(ev.StepID), ev.Attempt, string(payloadJSON), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	ev.EventID = id
	ev.CreatedAt = now
	return nil
}

func (b *Backend) ListEvents(ctx context.Context, runID string, afterEventID int64) ([]*backend.Event, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT event_id, run_id, event_type, node_id, step_id, attempt, payload, created_at
		FROM run_events WHERE run_id = ? AND event_id > ? ORDER BY event_id ASC
	`, runID, afterEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*backend.Event
	for rows.Next() {
		var ev backend.Event
		var nodeID, stepID, payloadJSON, createdAt sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.EventType, &nodeID, &stepID, &ev.Attempt, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.NodeID = nodeID.String
		ev.StepID = stepID.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &ev.Payload)
		}
		if createdAt.Valid {
			ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// --- Approvals ---

func (b *Backend) CreateApproval(ctx context.Context, approval *backend.Approval) error {
	if approval.ApprovalID == "" {
		approval.ApprovalID = uuid.NewString()
	}
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, node_id, prompt, decision_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, approval.ApprovalID, approval.RunID, approval.NodeID, approval.Prompt, approval.DecisionType, "pending", now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	approval.Status = "pending"
	approval.CreatedAt = now
	return nil
}

func (b *Backend) DecideApproval(ctx context.Context, approvalID, status, decision string) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decision = ?, decided_at = ? WHERE approval_id = ?
	`, status, decision, time.Now().Format(time.RFC3339), approvalID)
	if err != nil {
		return fmt.Errorf("failed to decide approval: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("approval not found: %s", approvalID)
	}
	return nil
}

func (b *Backend) GetApproval(ctx context.Context, approvalID string) (*backend.Approval, error) {
	var a backend.Approval
	var decision, decidedAt sql.NullString
	var createdAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, node_id, prompt, decision_type, status, decision, created_at, decided_at
		FROM approvals WHERE approval_id = ?
	`, approvalID).Scan(&a.ApprovalID, &a.RunID, &a.NodeID, &a.Prompt, &a.DecisionType, &a.Status, &decision, &createdAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval not found: %s", approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	a.Decision = decision.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if decidedAt.Valid && decidedAt.String != "" {
		t, _ := time.Parse(time.RFC3339, decidedAt.String)
		a.DecidedAt = &t
	}
	return &a, nil
}

func (b *Backend) ListApprovalsByRun(ctx context.Context, runID string) ([]*backend.Approval, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT approval_id, run_id, node_id, prompt, decision_type, status, decision, created_at, decided_at
		FROM approvals WHERE run_id = ? ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*backend.Approval
	for rows.Next() {
		var a backend.Approval
		var decision, decidedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ApprovalID, &a.RunID, &a.NodeID, &a.Prompt, &a.DecisionType, &a.Status, &decision, &createdAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		a.Decision = decision.String
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if decidedAt.Valid && decidedAt.String != "" {
			t, _ := time.Parse(time.RFC3339, decidedAt.String)
			a.DecidedAt = &t
		}
		approvals = append(approvals, &a)
	}
	return approvals, nil
}

// --- Schedules ---

func (b *Backend) SaveScheduleState(ctx context.Context, state *backend.ScheduleState) error {
	now := time.Now()
	enabled := boolToInt(state.Enabled)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedule_states (name, last_run, next_run, run_count, error_count, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_run = excluded.last_run, next_run = excluded.next_run, run_count = excluded.run_count,
			error_count = excluded.error_count, enabled = excluded.enabled, updated_at = excluded.updated_at
	`, state.Name, formatTime(state.LastRun), formatTime(state.NextRun), state.RunCount, state.ErrorCount, enabled, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save schedule state: %w", err)
	}
	state.UpdatedAt = now
	return nil
}

func (b *Backend) GetScheduleState(ctx context.Context, name string) (*backend.ScheduleState, error) {
	var state backend.ScheduleState
	var lastRun, nextRun, updatedAt sql.NullString
	var enabled int
	err := b.db.QueryRowContext(ctx, `
		SELECT name, last_run, next_run, run_count, error_count, enabled, updated_at FROM schedule_states WHERE name = ?
	`, name).Scan(&state.Name, &lastRun, &nextRun, &state.RunCount, &state.ErrorCount, &enabled, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule state not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}
	if lastRun.Valid && lastRun.String != "" {
		t, _ := time.Parse(time.RFC3339, lastRun.String)
		state.LastRun = &t
	}
	if nextRun.Valid && nextRun.String != "" {
		t, _ := time.Parse(time.RFC3339, nextRun.String)
		state.NextRun = &t
	}
	if updatedAt.Valid {
		state.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}
	state.Enabled = enabled == 1
	return &state, nil
}

func (b *Backend) ListScheduleStates(ctx context.Context) ([]*backend.ScheduleState, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT name, last_run, next_run, run_count, error_count, enabled, updated_at FROM schedule_states ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule states: %w", err)
	}
	defer rows.Close()

	var states []*backend.ScheduleState
	for rows.Next() {
		var state backend.ScheduleState
		var lastRun, nextRun, updatedAt sql.NullString
		var enabled int
		if err := rows.Scan(&state.Name, &lastRun, &nextRun, &state.RunCount, &state.ErrorCount, &enabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule state: %w", err)
		}
		if lastRun.Valid && lastRun.String != "" {
			t, _ := time.Parse(time.RFC3339, lastRun.String)
			state.LastRun = &t
		}
		if nextRun.Valid && nextRun.String != "" {
			t, _ := time.Parse(time.RFC3339, nextRun.String)
			state.NextRun = &t
		}
		if updatedAt.Valid {
			state.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
		}
		state.Enabled = enabled == 1
		states = append(states, &state)
	}
	return states, nil
}

func (b *Backend) DeleteScheduleState(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM schedule_states WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete schedule state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// DB returns the underlying database connection, used by leader election.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Helper functions

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
