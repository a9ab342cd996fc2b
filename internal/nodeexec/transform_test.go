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

func TestTransformExecutor_EvaluatesJQExpression(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")
	state.Vars["items"] = []any{1.0, 2.0, 3.0}

	node := &procedure.IRNode{
		NodeID:     "xf1",
		Type:       procedure.NodeTransform,
		NextNodeID: "n2",
		Transform: &procedure.TransformPayload{
			Expression:     ".vars.items | length",
			OutputVariable: "item_count",
		},
	}

	require.NoError(t, Execute(context.Background(), deps, node, state))
	require.Equal(t, "n2", state.NextNodeID)
	require.EqualValues(t, 3, state.Vars["item_count"])
}

func TestTransformExecutor_InvalidExpressionYieldsValidationError(t *testing.T) {
	deps := testDeps(t)
	state := newState("run1")

	node := &procedure.IRNode{
		NodeID: "xf1",
		Type:   procedure.NodeTransform,
		Transform: &procedure.TransformPayload{
			Expression:     "not valid jq (((",
			OutputVariable: "out",
		},
	}

	err := Execute(context.Background(), deps, node, state)
	require.Error(t, err)
}
