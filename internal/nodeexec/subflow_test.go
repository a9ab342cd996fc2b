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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/procedure"
)

func TestSubflowExecutor_MapsInputsAndOutputs(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	state.Vars["order_id"] = "ord-42"

	var gotProcedureID, gotVersion string
	var gotInputs map[string]any
	deps.RunSubflow = func(ctx context.Context, procedureID, version string, inputs map[string]any) (map[string]any, error) {
		gotProcedureID, gotVersion, gotInputs = procedureID, version, inputs
		return map[string]any{"refund_status": "processed"}, nil
	}

	node := &procedure.IRNode{
		NodeID:     "sub1",
		Type:       procedure.NodeSubflow,
		NextNodeID: "n2",
		Subflow: &procedure.SubflowPayload{
			ProcedureID:   "refund-flow",
			Version:       "latest",
			InputMapping:  map[string]string{"vars.order_id": "order_id"},
			OutputMapping: map[string]string{"refund_status": "status"},
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "refund-flow", gotProcedureID)
	require.Equal(t, "latest", gotVersion)
	require.Equal(t, "ord-42", gotInputs["order_id"])
	require.Equal(t, "processed", state.Vars["status"])
	require.Equal(t, "n2", state.NextNodeID)
}

func TestSubflowExecutor_FailureIgnoredWhenConfigured(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	deps.RunSubflow = func(ctx context.Context, procedureID, version string, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("child run failed")
	}

	node := &procedure.IRNode{
		NodeID:     "sub1",
		Type:       procedure.NodeSubflow,
		NextNodeID: "n2",
		Subflow: &procedure.SubflowPayload{
			ProcedureID: "refund-flow",
			OnFailure:   "ignore",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "n2", state.NextNodeID)
}

func TestSubflowExecutor_FailureFailsParentByDefault(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	deps.RunSubflow = func(ctx context.Context, procedureID, version string, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("child run failed")
	}

	node := &procedure.IRNode{
		NodeID: "sub1",
		Type:   procedure.NodeSubflow,
		Subflow: &procedure.SubflowPayload{
			ProcedureID: "refund-flow",
		},
	}

	err := Execute(context.Background(), deps, node, state)
	require.Error(t, err)
}
