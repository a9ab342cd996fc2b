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

// SequenceExecutor runs a node's steps in order (spec.md §4.9, "Sequence").
type SequenceExecutor struct{}

func (SequenceExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	if node.Sequence == nil {
		return nil
	}

	retry := procedure.DefaultRetryConfig()
	for _, step := range node.Sequence.Steps {
		if err := runStep(ctx, deps, node, step, state, retry, node.ErrorHandlers); err != nil {
			return err
		}
		if state.WorkflowPending {
			return nil
		}
	}

	state.NextNodeID = node.NextNodeID
	return nil
}
