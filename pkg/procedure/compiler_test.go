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

package procedure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalProcedureJSON() string {
	return `{
		"procedure_id": "p1",
		"version": 1,
		"start_node_id": "start",
		"nodes": {
			"start": {
				"node_id": "start",
				"type": "sequence",
				"next_node_id": "term",
				"sequence": {"steps": [{"step_id": "s1", "action": "log", "params": {"msg": "hi"}}]}
			},
			"term": {
				"node_id": "term",
				"type": "terminate",
				"terminate": {"status": "completed"}
			}
		}
	}`
}

func TestCompile_Minimal(t *testing.T) {
	ir, err := Compile([]byte(minimalProcedureJSON()))
	require.NoError(t, err)
	assert.Equal(t, "start", ir.StartNodeID)
	assert.Equal(t, DefaultRetryConfig(), ir.GlobalConfig.Retry)

	startNode := ir.Node("start")
	require.NotNil(t, startNode)
	require.Len(t, startNode.Sequence.Steps, 1)
	require.NotNil(t, startNode.Sequence.Steps[0].ExecutorBinding)
	assert.Equal(t, BindingInternal, startNode.Sequence.Steps[0].ExecutorBinding.Kind)
}

func TestCompile_MissingStartNode(t *testing.T) {
	_, err := Compile([]byte(`{"procedure_id":"p","nodes":{"a":{"node_id":"a","type":"terminate","terminate":{"status":"completed"}}}}`))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCompile_DanglingNextNode(t *testing.T) {
	raw := `{
		"procedure_id": "p1", "start_node_id": "a",
		"nodes": {"a": {"node_id": "a", "type": "terminate", "next_node_id": "ghost", "terminate": {"status": "completed"}}}
	}`
	_, err := Compile([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCompile_LoopRequiresBody(t *testing.T) {
	raw := `{
		"procedure_id": "p1", "start_node_id": "a",
		"nodes": {"a": {"node_id": "a", "type": "loop", "loop": {"iterator_var": "items"}}}
	}`
	_, err := Compile([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop node requires a body")
}

func TestCompile_SubflowRequiresProcedureID(t *testing.T) {
	raw := `{
		"procedure_id": "p1", "start_node_id": "a",
		"nodes": {"a": {"node_id": "a", "type": "subflow", "subflow": {}}}
	}`
	_, err := Compile([]byte(raw))
	require.Error(t, err)
}

func TestCompile_NonWhitelistedActionLeftUnbound(t *testing.T) {
	raw := `{
		"procedure_id": "p1", "start_node_id": "a",
		"nodes": {"a": {"node_id": "a", "type": "sequence",
			"sequence": {"steps": [{"step_id": "s1", "action": "web.navigate"}]}}}
	}`
	ir, err := Compile([]byte(raw))
	require.NoError(t, err)
	assert.Nil(t, ir.Node("a").Sequence.Steps[0].ExecutorBinding)
}

func TestCompile_MalformedJSON(t *testing.T) {
	_, err := Compile([]byte(`{not json`))
	require.Error(t, err)
}
