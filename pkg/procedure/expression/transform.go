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
	"fmt"

	"github.com/itchyny/gojq"
)

// Transform evaluates a full jq expression against the context's three
// namespaces ({vars, secrets, results}), used by the transform node
// (spec.md §4.9, "Transform"). Unlike Resolve, which only walks dotted
// paths, Transform accepts arbitrary jq syntax (pipes, filters,
// object/array construction).
func Transform(c *Context, jqExpr string) (any, error) {
	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return nil, fmt.Errorf("expression: parse transform expression: %w", err)
	}

	input := map[string]any{
		"vars":    c.Vars,
		"secrets": c.Secrets,
		"results": c.Results,
	}

	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("expression: run transform expression: %w", err)
	}
	return v, nil
}
