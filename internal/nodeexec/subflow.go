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

	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
	"github.com/tombee/conductor/pkg/procedure/expression"
)

// SubflowExecutor runs a child procedure to completion synchronously via
// Deps.RunSubflow, mapping inputs and outputs by name (spec.md §4.9,
// "Subflow").
type SubflowExecutor struct{}

func (SubflowExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ensureVars(state)
	payload := node.Subflow
	if payload == nil {
		state.NextNodeID = node.NextNodeID
		return nil
	}

	if deps.RunSubflow == nil {
		return orcherr.New(orcherr.KindInternal, node.NodeID, "subflow executor: Deps.RunSubflow is not configured")
	}

	ectx := exprContext(state)
	inputs := make(map[string]any, len(payload.InputMapping))
	for outerName, innerName := range payload.InputMapping {
		if v, ok := expression.Resolve(ctx, ectx, outerName); ok {
			inputs[innerName] = v
		}
	}

	outputs, err := deps.RunSubflow(ctx, payload.ProcedureID, payload.Version, inputs)
	if err != nil {
		if payload.OnFailure == "ignore" {
			state.NextNodeID = node.NextNodeID
			return nil
		}
		return orcherr.Wrap(orcherr.KindAgentError, node.NodeID, err)
	}

	for innerName, outerName := range payload.OutputMapping {
		if v, ok := outputs[innerName]; ok {
			state.Vars[outerName] = v
		}
	}

	state.NextNodeID = node.NextNodeID
	return nil
}
