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

package nodeexec

import (
	"context"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
)

// ApprovalExecutor suspends the run pending a human decision (spec.md
// §4.9, "Human Approval"). On first visit it opens an Approval record and
// marks the run awaiting approval; the graph runner is responsible for
// persisting that suspension and, on resume, re-entering this node with
// state.ApprovalDecision already populated from the decided record.
type ApprovalExecutor struct{}

func (ApprovalExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ensureVars(state)
	payload := node.Approval
	if payload == nil {
		state.NextNodeID = node.NextNodeID
		return nil
	}

	if state.ApprovalDecision != "" {
		decision := state.ApprovalDecision
		state.AwaitingApproval = false
		state.ApprovalDecision = ""

		switch decision {
		case "approved":
			state.NextNodeID = payload.OnApprove
		case "rejected":
			state.NextNodeID = payload.OnReject
		case "timed_out":
			state.NextNodeID = payload.OnTimeout
		default:
			return orcherr.New(orcherr.KindValidation, node.NodeID, "approval executor: unknown decision "+decision)
		}
		return nil
	}

	if deps.Approvals != nil {
		if err := deps.Approvals.CreateApproval(ctx, &backend.Approval{
			RunID:        state.RunID,
			NodeID:       node.NodeID,
			Prompt:       payload.Prompt,
			DecisionType: payload.DecisionType,
			Status:       "pending",
		}); err != nil {
			return orcherr.Wrap(orcherr.KindInternal, node.NodeID, err)
		}
	}

	state.AwaitingApproval = true
	state.WorkflowResumeNode = node.NodeID
	emit(ctx, deps, state.RunID, "approval_requested", node.NodeID, "", 0, map[string]any{
		"prompt":        payload.Prompt,
		"decision_type": payload.DecisionType,
	})
	return nil
}
