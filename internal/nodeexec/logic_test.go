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

func TestLogicExecutor_FirstMatchingRuleWins(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	state.Vars["status"] = "ready"

	node := &procedure.IRNode{
		NodeID: "n1",
		Type:   procedure.NodeLogic,
		Logic: &procedure.LogicPayload{
			Rules: []*procedure.LogicRule{
				{Condition: "vars.status == 'pending'", Next: "wait_node"},
				{Condition: "vars.status == 'ready'", Next: "proceed_node"},
			},
			DefaultNext: "fallback_node",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "proceed_node", state.NextNodeID)
}

func TestLogicExecutor_FallsBackToDefaultNext(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	state.Vars["status"] = "unknown"

	node := &procedure.IRNode{
		NodeID: "n1",
		Type:   procedure.NodeLogic,
		Logic: &procedure.LogicPayload{
			Rules: []*procedure.LogicRule{
				{Condition: "vars.status == 'ready'", Next: "proceed_node"},
			},
			DefaultNext: "fallback_node",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "fallback_node", state.NextNodeID)
}
