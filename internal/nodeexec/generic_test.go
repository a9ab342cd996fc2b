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

func TestGenericExecutor_ProcessingDispatchesAsSingleStep(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")

	node := &procedure.IRNode{
		NodeID:     "proc1",
		Type:       procedure.NodeProcessing,
		NextNodeID: "n2",
		Processing: &procedure.GenericPayload{
			Action:         "set_variable",
			Params:         map[string]any{"value": 42},
			OutputVariable: "answer",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "n2", state.NextNodeID)
	require.InDelta(t, 42, state.Vars["answer"], 0)
}

func TestGenericExecutor_VerificationUsesItsOwnPayload(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")

	node := &procedure.IRNode{
		NodeID:     "verify1",
		Type:       procedure.NodeVerification,
		NextNodeID: "done",
		Verification: &procedure.GenericPayload{
			Action: "noop",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "done", state.NextNodeID)
	require.Contains(t, state.Results, "verify1")
}
