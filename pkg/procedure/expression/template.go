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

// Package expression implements the template placeholder resolver and the
// restricted condition evaluator (spec.md §4.2). Neither evaluates
// arbitrary code: the template resolver only walks dotted paths through a
// flat context, and the condition evaluator only recognizes a closed set
// of comparison operators.
package expression

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// placeholderRe matches `{{dotted.path}}` or `{{dotted.path | default}}`.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^|}]+?)\s*(?:\|\s*([^}]*?)\s*)?\}\}`)

// Context is the flat namespace templates resolve against (spec.md §4.2).
type Context struct {
	Vars    map[string]any
	Secrets map[string]any
	Results map[string]any
}

func (c *Context) root(name string) (any, bool) {
	switch name {
	case "vars":
		return c.Vars, c.Vars != nil
	case "secrets":
		return c.Secrets, c.Secrets != nil
	case "results":
		return c.Results, c.Results != nil
	default:
		return nil, false
	}
}

// ResolveString resolves every `{{...}}` placeholder found in s. A
// placeholder whose path cannot be resolved and carries no default is left
// untouched verbatim (spec.md §4.2).
func ResolveString(ctx context.Context, c *Context, s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		path := strings.TrimSpace(groups[1])
		def, hasDefault := "", false
		if len(groups) > 2 && groups[2] != "" {
			def, hasDefault = unquote(strings.TrimSpace(groups[2])), true
		}

		val, ok := Resolve(ctx, c, path)
		if !ok {
			if hasDefault {
				return def
			}
			return match
		}
		return stringify(val)
	})
}

// ResolveParams deep-walks a params map, resolving `{{...}}` placeholders
// in every string value (including nested maps/slices), leaving non-string
// scalars untouched. Used by the sequence executor to render step params
// before dispatch (spec.md §4.9).
func ResolveParams(ctx context.Context, c *Context, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(ctx, c, v)
	}
	return out
}

func resolveValue(ctx context.Context, c *Context, v any) any {
	switch t := v.(type) {
	case string:
		return ResolveString(ctx, c, t)
	case map[string]any:
		return ResolveParams(ctx, c, t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(ctx, c, e)
		}
		return out
	default:
		return v
	}
}

// Resolve walks a dotted path (e.g. "vars.customer.name", "results.0.id",
// "vars.items.length") against c and returns the value and whether it was
// found. `length`/`len`/`count` segments on a sequence resolve to its
// cardinality (spec.md §4.2); numeric segments index into sequences.
func Resolve(ctx context.Context, c *Context, path string) (any, bool) {
	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return nil, false
	}

	cur, ok := c.root(segs[0])
	if !ok {
		return nil, false
	}

	for _, seg := range segs[1:] {
		next, ok := step(cur, seg)
		if !ok {
			// Fall back to gojq for arbitrary nested JSON shapes produced
			// by agent results (spec.md §4.2a), e.g. "results.step1.items.2.name"
			// where intermediate values are json.RawMessage-shaped maps.
			if v, ok := gojqStep(cur, seg); ok {
				cur = v
				continue
			}
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, seg string) (any, bool) {
	switch seg {
	case "length", "len", "count":
		switch t := cur.(type) {
		case []any:
			return len(t), true
		case map[string]any:
			return len(t), true
		case string:
			return len(t), true
		}
	}

	if idx, err := strconv.Atoi(seg); err == nil {
		if arr, ok := cur.([]any); ok {
			if idx < 0 || idx >= len(arr) {
				return nil, false
			}
			return arr[idx], true
		}
	}

	if m, ok := cur.(map[string]any); ok {
		v, ok := m[seg]
		return v, ok
	}
	return nil, false
}

// gojqStep uses gojq to resolve a single field/index access against
// arbitrary nested JSON (agent response payloads), used when the plain
// map/slice walk above does not apply, grounded on internal/jq's existing
// gojq usage.
func gojqStep(cur any, seg string) (any, bool) {
	var query string
	if idx, err := strconv.Atoi(seg); err == nil {
		query = fmt.Sprintf(".[%d]", idx)
	} else {
		query = "." + seg
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, false
	}
	iter := q.Run(cur)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return nil, false
	}
	return v, true
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
