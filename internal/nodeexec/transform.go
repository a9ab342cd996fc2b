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

// TransformExecutor evaluates a jq expression against vars/secrets/results
// and writes the result to output_variable (spec.md §4.9, "Transform").
type TransformExecutor struct{}

func (TransformExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ensureVars(state)
	payload := node.Transform
	if payload == nil {
		state.NextNodeID = node.NextNodeID
		return nil
	}

	result, err := expression.Transform(exprContext(state), payload.Expression)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, node.NodeID, err)
	}

	if payload.OutputVariable != "" {
		state.Vars[payload.OutputVariable] = result
	}
	state.Results[node.NodeID] = result

	state.NextNodeID = node.NextNodeID
	return nil
}
