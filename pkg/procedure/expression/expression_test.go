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

package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testContext() *Context {
	return &Context{
		Vars: map[string]any{
			"name":  "ada",
			"count": 3,
			"items": []any{"a", "b", "c"},
			"nested": map[string]any{
				"id": "n1",
			},
		},
		Results: map[string]any{
			"step1": map[string]any{"status": "ok"},
		},
	}
}

func TestResolveString_Basic(t *testing.T) {
	c := testContext()
	got := ResolveString(context.Background(), c, "hello {{vars.name}}")
	assert.Equal(t, "hello ada", got)
}

func TestResolveString_Default(t *testing.T) {
	c := testContext()
	got := ResolveString(context.Background(), c, "{{vars.missing | 'fallback'}}")
	assert.Equal(t, "fallback", got)
}

func TestResolveString_MissingLeavesPlaceholder(t *testing.T) {
	c := testContext()
	got := ResolveString(context.Background(), c, "{{vars.missing}}")
	assert.Equal(t, "{{vars.missing}}", got)
}

func TestResolveString_Length(t *testing.T) {
	c := testContext()
	got := ResolveString(context.Background(), c, "{{vars.items.length}}")
	assert.Equal(t, "3", got)
}

func TestResolveString_IndexAndNested(t *testing.T) {
	c := testContext()
	assert.Equal(t, "b", ResolveString(context.Background(), c, "{{vars.items.1}}"))
	assert.Equal(t, "n1", ResolveString(context.Background(), c, "{{vars.nested.id}}"))
	assert.Equal(t, "ok", ResolveString(context.Background(), c, "{{results.step1.status}}"))
}

func TestResolveParams_Nested(t *testing.T) {
	c := testContext()
	params := map[string]any{
		"greeting": "hi {{vars.name}}",
		"nested":   map[string]any{"v": "{{vars.count}}"},
		"list":     []any{"{{vars.name}}", 5},
	}
	out := ResolveParams(context.Background(), c, params)
	assert.Equal(t, "hi ada", out["greeting"])
	assert.Equal(t, "3", out["nested"].(map[string]any)["v"])
	assert.Equal(t, "ada", out["list"].([]any)[0])
	assert.Equal(t, 5, out["list"].([]any)[1])
}

func TestEval_Comparisons(t *testing.T) {
	c := testContext()
	ctx := context.Background()
	assert.True(t, Eval(ctx, c, "vars.name == 'ada'"))
	assert.False(t, Eval(ctx, c, "vars.name == 'bob'"))
	assert.True(t, Eval(ctx, c, "vars.count > 2"))
	assert.True(t, Eval(ctx, c, "vars.count >= 3"))
	assert.False(t, Eval(ctx, c, "vars.count < 2"))
}

func TestEval_StringOps(t *testing.T) {
	c := testContext()
	ctx := context.Background()
	assert.True(t, Eval(ctx, c, "vars.name contains 'ad'"))
	assert.True(t, Eval(ctx, c, "vars.name starts_with 'ad'"))
	assert.True(t, Eval(ctx, c, "vars.name ends_with 'da'"))
	assert.True(t, Eval(ctx, c, "'a' in vars.items"))
	assert.False(t, Eval(ctx, c, "vars.name not_contains 'ad'"))
}

func TestEval_UnaryOps(t *testing.T) {
	c := testContext()
	ctx := context.Background()
	assert.False(t, Eval(ctx, c, "vars.name is_empty"))
	assert.True(t, Eval(ctx, c, "vars.name is_not_empty"))
	assert.True(t, Eval(ctx, c, "vars.missing is_empty"))
}

func TestEval_UnknownOperatorIsFalseNeverPanics(t *testing.T) {
	c := testContext()
	assert.False(t, Eval(context.Background(), c, "vars.name ~~ 'ada'"))
	assert.False(t, Eval(context.Background(), c, ""))
	assert.False(t, Eval(context.Background(), c, "garbage"))
}

func TestEval_NoCodeExecution(t *testing.T) {
	c := testContext()
	// An expression resembling code has no special meaning; it is treated
	// as an unresolvable operand and evaluates to false, never executed.
	assert.False(t, Eval(context.Background(), c, "os.Exit(1) == 0"))
}
