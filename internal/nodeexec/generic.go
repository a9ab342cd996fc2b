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

	"github.com/tombee/conductor/pkg/procedure"
)

// GenericExecutor backs processing, verification, and llm_action nodes,
// which all reduce to a single dispatched step (spec.md §4.9). It
// synthesizes an IRStep from the node's GenericPayload and runs it through
// the same pipeline as Sequence.
type GenericExecutor struct{}

func (GenericExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	payload := genericPayload(node)
	if payload == nil {
		state.NextNodeID = node.NextNodeID
		return nil
	}

	step := &procedure.IRStep{
		StepID:         node.NodeID,
		Action:         payload.Action,
		Params:         payload.Params,
		OutputVariable: payload.OutputVariable,
		TimeoutMs:      payload.TimeoutMs,
	}

	retry := procedure.DefaultRetryConfig()
	if err := runStep(ctx, deps, node, step, state, retry, node.ErrorHandlers); err != nil {
		return err
	}
	if !state.WorkflowPending {
		state.NextNodeID = node.NextNodeID
	}
	return nil
}

// genericPayload picks whichever of the three generic payload fields the
// node actually set, since processing/verification/llm_action share one
// executor but occupy distinct IRNode fields.
func genericPayload(node *procedure.IRNode) *procedure.GenericPayload {
	switch {
	case node.Processing != nil:
		return node.Processing
	case node.Verification != nil:
		return node.Verification
	case node.LLMAction != nil:
		return node.LLMAction
	default:
		return nil
	}
}
