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
	"fmt"

	"github.com/tombee/conductor/pkg/procedure"
)

// executors maps each node type to its Executor, replacing the single
// switch statement the teacher used for workflow step types with a
// tagged-variant dispatch table (spec.md §9, "Design Notes").
var executors = map[procedure.NodeType]Executor{
	procedure.NodeSequence:      &SequenceExecutor{},
	procedure.NodeLogic:         &LogicExecutor{},
	procedure.NodeLoop:          &LoopExecutor{},
	procedure.NodeParallel:      &ParallelExecutor{},
	procedure.NodeProcessing:    &GenericExecutor{},
	procedure.NodeVerification:  &GenericExecutor{},
	procedure.NodeLLMAction:     &GenericExecutor{},
	procedure.NodeHumanApproval: &ApprovalExecutor{},
	procedure.NodeTransform:     &TransformExecutor{},
	procedure.NodeSubflow:       &SubflowExecutor{},
	procedure.NodeTerminate:     &TerminateExecutor{},
}

// Execute looks up the Executor for node.Type and runs it.
func Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ex, ok := executors[node.Type]
	if !ok {
		return fmt.Errorf("nodeexec: no executor registered for node type %q", node.Type)
	}
	return ex.Execute(ctx, deps, node, state)
}
