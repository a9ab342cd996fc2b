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

// Package graph implements the graph runner (spec.md §4.10): it drives a
// compiled IRProcedure node by node through internal/nodeexec, following
// next_node_id off the state each executor leaves behind, checkpointing at
// is_checkpoint nodes and on suspension, and routing uncaught failures to
// the procedure's on_failure recovery node when one is configured.
package graph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/nodeexec"
	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
)

// Outcome statuses returned by Run.
const (
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusCanceled          = "canceled"
	StatusSuspendedApproval = "suspended_approval"
	StatusSuspendedWorkflow = "suspended_workflow"
)

// Outcome is the terminal or suspended result of driving a graph to its
// next stopping point.
type Outcome struct {
	Status string
	State  *nodeexec.State
	Err    error
}

// ProcedureLoader resolves a procedure_id/version pair to its compiled IR,
// used by the subflow executor's Deps.RunSubflow. version is "latest" or a
// numeric string (spec.md §4.9, "Subflow").
type ProcedureLoader func(ctx context.Context, procedureID, version string) (*procedure.IRProcedure, error)

// Runner drives one procedure's graph against a backend and a shared set of
// node-executor dependencies.
type Runner struct {
	Backend    backend.Backend
	Deps       *nodeexec.Deps
	Procedures ProcedureLoader
}

// New builds a Runner and wires deps.RunSubflow/deps.RunSubgraph to this
// Runner's own Run method, so nodeexec never imports this package directly.
func New(be backend.Backend, deps *nodeexec.Deps, procedures ProcedureLoader) *Runner {
	r := &Runner{Backend: be, Deps: deps, Procedures: procedures}
	deps.RunSubflow = r.runSubflow
	deps.RunSubgraph = r.runSubgraph
	return r
}

// Run drives proc from entryNodeID until the run suspends (approval or an
// async workflow delegation), terminates (a terminate node or running off
// the end of the graph), or is canceled. It checkpoints threadID after
// every is_checkpoint node and on every suspension.
func (r *Runner) Run(ctx context.Context, proc *procedure.IRProcedure, threadID string, state *nodeexec.State, entryNodeID string) Outcome {
	nodeID := entryNodeID
	for {
		if nodeID == "" {
			return Outcome{Status: StatusCompleted, State: state}
		}

		node := proc.Node(nodeID)
		if node == nil {
			return Outcome{Status: StatusFailed, State: state, Err: fmt.Errorf("graph: unknown node %q", nodeID)}
		}

		state.CurrentNodeID = nodeID
		state.NextNodeID = ""

		err := nodeexec.Execute(ctx, r.Deps, node, state)
		if err != nil {
			if orcherr.Is(err, orcherr.KindCancelled) {
				r.checkpoint(ctx, threadID, state)
				return Outcome{Status: StatusCanceled, State: state, Err: err}
			}

			if onFailure := proc.GlobalConfig.OnFailureNodeID; onFailure != "" && nodeID != onFailure {
				if state.Vars == nil {
					state.Vars = make(map[string]any)
				}
				state.Vars["__error"] = err.Error()
				state.Vars["__error_node"] = nodeID
				r.runOnFailureRecovery(ctx, proc, threadID, state, onFailure)
			}

			r.checkpoint(ctx, threadID, state)
			return Outcome{Status: StatusFailed, State: state, Err: err}
		}

		if node.IsCheckpoint {
			r.checkpoint(ctx, threadID, state)
		}

		if state.AwaitingApproval {
			r.checkpoint(ctx, threadID, state)
			return Outcome{Status: StatusSuspendedApproval, State: state}
		}

		if state.WorkflowPending {
			r.checkpoint(ctx, threadID, state)
			return Outcome{Status: StatusSuspendedWorkflow, State: state}
		}

		if state.TerminalStatus != "" {
			status := StatusCompleted
			if state.TerminalStatus == "failed" {
				status = StatusFailed
			} else if state.TerminalStatus == "canceled" {
				status = StatusCanceled
			}
			r.checkpoint(ctx, threadID, state)
			return Outcome{Status: status, State: state}
		}

		nodeID = state.NextNodeID
	}
}

// runOnFailureRecovery drives the procedure's on_failure node as its own
// sub-run under a distinct thread id (spec.md §7: the graph runner
// "re-enters at that node under a distinct thread id suffixed
// `:on_failure`"). Its outcome is recorded as a side effect only — any
// cleanup steps it dispatches still run, emit events, and checkpoint on
// the `:on_failure` thread — but it never overrides the caller's own
// terminal status: "if that sub-graph succeeds, the run is still marked
// failed (recovery does not mask the original outcome)".
func (r *Runner) runOnFailureRecovery(ctx context.Context, proc *procedure.IRProcedure, threadID string, state *nodeexec.State, onFailureNodeID string) {
	r.Run(ctx, proc, threadID+":on_failure", state, onFailureNodeID)
}

func (r *Runner) checkpoint(ctx context.Context, threadID string, state *nodeexec.State) {
	if r.Backend == nil {
		return
	}
	_, _ = r.Backend.PutCheckpoint(ctx, threadID, &backend.Checkpoint{
		RunID: state.RunID,
		State: map[string]any{
			"current_node_id":     state.CurrentNodeID,
			"next_node_id":        state.NextNodeID,
			"vars":                state.Vars,
			"results":             state.Results,
			"loop_index":          state.LoopIndex,
			"awaiting_approval":   state.AwaitingApproval,
			"workflow_pending":    state.WorkflowPending,
			"workflow_resume_node": state.WorkflowResumeNode,
			"workflow_resume_step": state.WorkflowResumeStep,
			"terminal_status":     state.TerminalStatus,
			"terminal_reason":     state.TerminalReason,
		},
	})
}

// runSubgraph runs a parallel branch to its own end (a node with no
// next_node_id), used as Deps.RunSubgraph. Branches do not themselves
// suspend for approval or async delegation; either condition inside a
// branch is reported back to the parallel executor as an error.
func (r *Runner) runSubgraph(ctx context.Context, entryNodeID string, branch *nodeexec.State) (*nodeexec.State, error) {
	version := ""
	if branch.ProcedureVersion > 0 {
		version = strconv.Itoa(branch.ProcedureVersion)
	}
	proc, err := r.loadProcedure(ctx, branch.ProcedureID, version)
	if err != nil {
		return nil, err
	}

	outcome := r.Run(ctx, proc, branch.RunID+":"+entryNodeID, branch, entryNodeID)
	switch outcome.Status {
	case StatusCompleted:
		return outcome.State, nil
	case StatusSuspendedApproval, StatusSuspendedWorkflow:
		return nil, orcherr.New(orcherr.KindValidation, entryNodeID, "parallel branch suspended for approval or async dispatch, which is unsupported inside a branch")
	default:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return nil, orcherr.New(orcherr.KindInternal, entryNodeID, "parallel branch did not complete")
	}
}

// runSubflow runs a named child procedure to completion synchronously,
// used as Deps.RunSubflow.
func (r *Runner) runSubflow(ctx context.Context, procedureID, version string, inputs map[string]any) (map[string]any, error) {
	proc, err := r.loadProcedure(ctx, procedureID, version)
	if err != nil {
		return nil, err
	}

	child := &nodeexec.State{
		RunID:       procedureID + ":" + proc.StartNodeID,
		ProcedureID: procedureID,
		Vars:        inputs,
		Results:     map[string]any{},
	}

	outcome := r.Run(ctx, proc, child.RunID, child, proc.StartNodeID)
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Status != StatusCompleted {
		return nil, orcherr.New(orcherr.KindAgentError, procedureID, "subflow ended with status "+outcome.Status)
	}
	return child.Vars, nil
}

func (r *Runner) loadProcedure(ctx context.Context, procedureID, version string) (*procedure.IRProcedure, error) {
	if r.Procedures == nil {
		return nil, orcherr.New(orcherr.KindInternal, procedureID, "graph: no ProcedureLoader configured")
	}
	proc, err := r.Procedures(ctx, procedureID, version)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInternal, procedureID, err)
	}
	return proc, nil
}
