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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/procedure"
)

func TestLoopExecutor_IteratesThenExits(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	state.Vars["items"] = []any{"a", "b", "c"}

	node := &procedure.IRNode{
		NodeID:     "loop1",
		Type:       procedure.NodeLoop,
		NextNodeID: "after_loop",
		Loop: &procedure.LoopPayload{
			IteratorVar: "items",
			BodyNodeID:  "body1",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "body1", state.NextNodeID)
	require.Equal(t, "a", state.LoopItem)
	require.Equal(t, 1, state.LoopIndex)

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "body1", state.NextNodeID)
	require.Equal(t, "b", state.LoopItem)

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "c", state.LoopItem)

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "after_loop", state.NextNodeID)
	require.Equal(t, 0, state.LoopIndex)
}

func TestLoopExecutor_RespectsMaxIterations(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	state.Vars["items"] = []any{"a", "b", "c"}

	node := &procedure.IRNode{
		NodeID:     "loop1",
		Type:       procedure.NodeLoop,
		NextNodeID: "after_loop",
		Loop: &procedure.LoopPayload{
			IteratorVar:   "items",
			BodyNodeID:    "body1",
			MaxIterations: 2,
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "after_loop", state.NextNodeID)
}
