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

package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/binding"
	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/internal/controller/events"
	"github.com/tombee/conductor/internal/idempotency"
	"github.com/tombee/conductor/internal/nodeexec"
	"github.com/tombee/conductor/internal/registry"
	"github.com/tombee/conductor/pkg/procedure"
	"github.com/tombee/conductor/pkg/tools"
)

func testRunner(t *testing.T) (*Runner, *memory.Backend) {
	t.Helper()
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })

	reg := tools.NewRegistry()
	require.NoError(t, nodeexec.RegisterInternalActions(reg))

	deps := &nodeexec.Deps{
		Resolver:    binding.New(registry.New(be), ""),
		Idempotency: idempotency.New(be),
		Events:      events.New(be),
		Tools:       reg,
		Approvals:   be,
	}
	return New(be, deps, nil), be
}

func straightLineProcedure() *procedure.IRProcedure {
	return &procedure.IRProcedure{
		ProcedureID: "proc1",
		StartNodeID: "n1",
		Nodes: map[string]*procedure.IRNode{
			"n1": {
				NodeID:       "n1",
				Type:         procedure.NodeSequence,
				IsCheckpoint: true,
				NextNodeID:   "n2",
				Sequence: &procedure.SequencePayload{
					Steps: []*procedure.IRStep{{StepID: "s1", Action: "set_variable", Params: map[string]any{"value": "a"}, OutputVariable: "v1"}},
				},
			},
			"n2": {
				NodeID:     "n2",
				Type:       procedure.NodeTerminate,
				Terminate:  &procedure.TerminatePayload{Status: "completed"},
			},
		},
	}
}

func TestRun_CompletesStraightLineGraph(t *testing.T) {
	r, be := testRunner(t)
	proc := straightLineProcedure()
	state := &nodeexec.State{RunID: "run1", ProcedureID: "proc1", Vars: map[string]any{}, Results: map[string]any{}}

	outcome := r.Run(context.Background(), proc, "run1", state, proc.StartNodeID)
	require.NoError(t, outcome.Err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, "a", state.Vars["v1"])

	cps, err := be.ListCheckpoints(context.Background(), "run1")
	require.NoError(t, err)
	require.NotEmpty(t, cps)
}

func TestRun_SuspendsForApproval(t *testing.T) {
	r, _ := testRunner(t)
	proc := &procedure.IRProcedure{
		ProcedureID: "proc1",
		StartNodeID: "appr1",
		Nodes: map[string]*procedure.IRNode{
			"appr1": {
				NodeID: "appr1",
				Type:   procedure.NodeHumanApproval,
				Approval: &procedure.ApprovalPayload{
					Prompt:    "ok?",
					OnApprove: "n2",
				},
			},
			"n2": {NodeID: "n2", Type: procedure.NodeTerminate, Terminate: &procedure.TerminatePayload{Status: "completed"}},
		},
	}
	state := &nodeexec.State{RunID: "run1", ProcedureID: "proc1", Vars: map[string]any{}, Results: map[string]any{}}

	outcome := r.Run(context.Background(), proc, "run1", state, proc.StartNodeID)
	require.NoError(t, outcome.Err)
	require.Equal(t, StatusSuspendedApproval, outcome.Status)
	require.True(t, state.AwaitingApproval)
}

func TestRun_RoutesUncaughtFailureToOnFailureNode(t *testing.T) {
	r, _ := testRunner(t)
	proc := &procedure.IRProcedure{
		ProcedureID:  "proc1",
		StartNodeID:  "bad1",
		GlobalConfig: procedure.GlobalConfig{OnFailureNodeID: "recover1"},
		Nodes: map[string]*procedure.IRNode{
			"bad1": {
				NodeID: "bad1",
				Type:   procedure.NodeSequence,
				Sequence: &procedure.SequencePayload{
					Steps: []*procedure.IRStep{{StepID: "s1", Action: "unregistered_action"}},
				},
			},
			"recover1": {
				NodeID: "recover1",
				Type:   procedure.NodeTerminate,
				Terminate: &procedure.TerminatePayload{Status: "failed", Reason: "handled"},
			},
		},
	}
	state := &nodeexec.State{RunID: "run1", ProcedureID: "proc1", Vars: map[string]any{}, Results: map[string]any{}}

	outcome := r.Run(context.Background(), proc, "run1", state, proc.StartNodeID)
	require.Error(t, outcome.Err)
	require.Equal(t, StatusFailed, outcome.Status)
	require.Equal(t, "handled", state.TerminalReason)
	require.Contains(t, state.Vars, "__error")
}

func TestRun_OnFailureRecoverySuccessDoesNotMaskFailure(t *testing.T) {
	r, be := testRunner(t)
	proc := &procedure.IRProcedure{
		ProcedureID:  "proc1",
		StartNodeID:  "bad1",
		GlobalConfig: procedure.GlobalConfig{OnFailureNodeID: "recover1"},
		Nodes: map[string]*procedure.IRNode{
			"bad1": {
				NodeID: "bad1",
				Type:   procedure.NodeSequence,
				Sequence: &procedure.SequencePayload{
					Steps: []*procedure.IRStep{{StepID: "s1", Action: "unregistered_action"}},
				},
			},
			"recover1": {
				NodeID: "recover1",
				Type:   procedure.NodeTerminate,
				Terminate: &procedure.TerminatePayload{Status: "completed"},
			},
		},
	}
	state := &nodeexec.State{RunID: "run1", ProcedureID: "proc1", Vars: map[string]any{}, Results: map[string]any{}}

	outcome := r.Run(context.Background(), proc, "run1", state, proc.StartNodeID)
	require.Error(t, outcome.Err)
	require.Equal(t, StatusFailed, outcome.Status)
	require.Contains(t, state.Vars, "__error")

	cps, err := be.ListCheckpoints(context.Background(), "run1:on_failure")
	require.NoError(t, err)
	require.NotEmpty(t, cps)
}

func TestRun_ParallelBranchesViaRunSubgraph(t *testing.T) {
	r, _ := testRunner(t)
	proc := &procedure.IRProcedure{
		ProcedureID: "proc1",
		StartNodeID: "par1",
		Nodes: map[string]*procedure.IRNode{
			"par1": {
				NodeID:     "par1",
				Type:       procedure.NodeParallel,
				NextNodeID: "join",
				Parallel: &procedure.ParallelPayload{
					Branches: []*procedure.ParallelBranch{
						{Name: "a", EntryNodeID: "branch_a"},
						{Name: "b", EntryNodeID: "branch_b"},
					},
					WaitStrategy:  "all",
					BranchFailure: "continue",
				},
			},
			"branch_a": {
				NodeID: "branch_a",
				Type:   procedure.NodeSequence,
				Sequence: &procedure.SequencePayload{
					Steps: []*procedure.IRStep{{StepID: "s1", Action: "set_variable", Params: map[string]any{"value": "from_a"}, OutputVariable: "a_result"}},
				},
			},
			"branch_b": {
				NodeID: "branch_b",
				Type:   procedure.NodeSequence,
				Sequence: &procedure.SequencePayload{
					Steps: []*procedure.IRStep{{StepID: "s1", Action: "set_variable", Params: map[string]any{"value": "from_b"}, OutputVariable: "b_result"}},
				},
			},
			"join": {NodeID: "join", Type: procedure.NodeTerminate, Terminate: &procedure.TerminatePayload{Status: "completed"}},
		},
	}
	state := &nodeexec.State{RunID: "run1", ProcedureID: "proc1", Vars: map[string]any{}, Results: map[string]any{}}

	outcome := r.Run(context.Background(), proc, "run1", state, proc.StartNodeID)
	require.NoError(t, outcome.Err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, "from_a", state.Vars["a_result"])
	require.Equal(t, "from_b", state.Vars["b_result"])
}
