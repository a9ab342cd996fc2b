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

func TestSequenceExecutor_RunsStepsInOrderAndAdvances(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")

	node := &procedure.IRNode{
		NodeID:     "n1",
		Type:       procedure.NodeSequence,
		NextNodeID: "n2",
		Sequence: &procedure.SequencePayload{
			Steps: []*procedure.IRStep{
				{StepID: "s1", Action: "set_variable", Params: map[string]any{"value": "hello"}, OutputVariable: "greeting"},
				{StepID: "s2", Action: "noop"},
			},
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "n2", state.NextNodeID)
	require.Equal(t, "hello", state.Vars["greeting"])
	require.Contains(t, state.Results, "s1")
	require.Contains(t, state.Results, "s2")
}

func TestSequenceExecutor_NilPayloadIsNoop(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	node := &procedure.IRNode{NodeID: "n1", Type: procedure.NodeSequence, NextNodeID: "n2"}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Empty(t, state.NextNodeID)
}
