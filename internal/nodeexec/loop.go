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

// LoopExecutor iterates a vars-held collection, routing to body_node_id for
// each element and back to the loop node itself once the body's own
// next_node_id loops back here (spec.md §4.9, "Loop"; the graph stays
// data-driven per spec.md §9, so the body's terminal step is responsible
// for routing back to this node's id to continue the iteration).
type LoopExecutor struct{}

func (LoopExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ensureVars(state)
	payload := node.Loop
	if payload == nil {
		state.NextNodeID = node.NextNodeID
		return nil
	}

	items := asSlice(state.Vars[payload.IteratorVar])
	total := len(items)
	if payload.MaxIterations > 0 && payload.MaxIterations < total {
		total = payload.MaxIterations
	}

	if state.LoopIndex >= total {
		state.LoopIndex = 0
		state.LoopItem = nil
		state.NextNodeID = node.NextNodeID
		return nil
	}

	item := items[state.LoopIndex]
	state.LoopItem = item
	if payload.IndexVariable != "" {
		state.Vars[payload.IndexVariable] = state.LoopIndex
	}
	state.Vars["loop_item"] = item

	emit(ctx, deps, state.RunID, "loop_iteration", node.NodeID, "", 0, map[string]any{
		"iteration": state.LoopIndex,
		"total":     total,
		"item":      item,
	})

	state.LoopIndex++
	state.NextNodeID = payload.BodyNodeID
	return nil
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return nil
	default:
		return []any{t}
	}
}
