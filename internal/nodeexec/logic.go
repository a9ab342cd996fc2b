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
	"github.com/tombee/conductor/pkg/procedure/expression"
)

// LogicExecutor evaluates rules in order; the first match wins
// (spec.md §4.9, "Logic").
type LogicExecutor struct{}

func (LogicExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ensureVars(state)
	if node.Logic == nil {
		state.NextNodeID = ""
		return nil
	}

	ectx := exprContext(state)
	for _, rule := range node.Logic.Rules {
		if expression.Eval(ctx, ectx, rule.Condition) {
			state.NextNodeID = rule.Next
			return nil
		}
	}

	// Unmatched with no default ⇒ terminal END (spec.md §4.9).
	state.NextNodeID = node.Logic.DefaultNext
	return nil
}
