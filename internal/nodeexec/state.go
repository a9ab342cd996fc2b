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

// Package nodeexec implements the eleven node executors (spec.md §4.9):
// sequence, logic, loop, parallel, processing, verification, llm_action,
// human_approval, transform, subflow, and terminate. Each executor mutates
// a shared State and sets NextNodeID to steer the graph runner.
package nodeexec

import (
	"context"
	"time"

	"github.com/tombee/conductor/internal/binding"
	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/cancel"
	"github.com/tombee/conductor/internal/controller/events"
	"github.com/tombee/conductor/internal/dispatch"
	"github.com/tombee/conductor/internal/idempotency"
	"github.com/tombee/conductor/internal/lease"
	"github.com/tombee/conductor/internal/ratelimit"
	"github.com/tombee/conductor/pkg/procedure"
	"github.com/tombee/conductor/pkg/tools"
)

// State is the mutable execution state threaded through node executors,
// the checkpointed subset of which is backend.Checkpoint.State (spec.md
// §4.8).
type State struct {
	RunID            string
	ProcedureID      string
	ProcedureVersion int
	CurrentNodeID    string
	NextNodeID       string

	Vars    map[string]any
	Secrets map[string]any
	Results map[string]any

	LoopIndex   int
	LoopItem    any
	LoopResults []any

	AwaitingApproval bool
	ApprovalDecision string

	WorkflowPending    bool
	WorkflowResumeNode string
	WorkflowResumeStep string

	TerminalStatus string
	TerminalReason string

	Artifacts map[string]any
}

// Deps bundles every collaborator a node executor may need. Not every
// executor uses every field (e.g. Logic uses none of the dispatch stack).
type Deps struct {
	Resolver    *binding.Resolver
	Dispatcher  *dispatch.Dispatcher
	Leases      *lease.Manager
	RateLimiter *ratelimit.Limiter
	Idempotency *idempotency.Ledger
	Events      *events.Sink
	Cancel      *cancel.Registry
	Tools       *tools.Registry
	Approvals   backend.ApprovalStore

	// RateLimitPerMinute and RateLimitKey configure the procedure-wide
	// token bucket consulted before every external dispatch (spec.md §4.9
	// step 5). A RateLimitPerMinute of 0 disables rate limiting.
	RateLimitPerMinute int
	RateLimitKey       string

	// DefaultStepTimeout bounds a step's rate-limit wait when the step
	// does not specify its own timeout_ms (spec.md §4.9 step 5: "deadline
	// = node SLA or 5s default").
	DefaultStepTimeout time.Duration

	// LeaseBudget bounds how long Sequence waits for a resource lease
	// before falling through to the retry policy (spec.md §4.9 step 4).
	LeaseBudget time.Duration

	// RunSubflow executes a child run of procedureID synchronously and
	// returns its output vars, used by the subflow executor. Left nil in
	// contexts (such as unit tests) that do not exercise subflow.
	RunSubflow func(ctx context.Context, procedureID, version string, inputs map[string]any) (map[string]any, error)

	// RunSubgraph runs the graph starting at entryNodeID against a branch
	// state until that branch reaches a node with no NextNodeID, returning
	// the branch's final state. Set by internal/controller/graph to avoid a
	// nodeexec -> graph import cycle; used by the parallel executor.
	RunSubgraph func(ctx context.Context, entryNodeID string, branch *State) (*State, error)
}

// Executor runs one node kind against node and state.
type Executor interface {
	Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error
}

// DefaultStepTimeout is applied when Deps.DefaultStepTimeout is unset.
const DefaultStepTimeout = 5 * time.Second
