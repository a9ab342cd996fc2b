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
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/conductor/pkg/tools"
)

// RegisterInternalActions registers the fixed compile-time internal action
// whitelist (log, wait, set_variable, noop — see pkg/procedure's
// internalWhitelist) as pkg/tools.Tool implementations, so the sequence
// executor invokes them through the same Registry.Execute path it would use
// for any other tool.
func RegisterInternalActions(reg *tools.Registry) error {
	for _, t := range []tools.Tool{logTool{}, waitTool{}, setVariableTool{}, noopTool{}} {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("nodeexec: register internal action %s: %w", t.Name(), err)
		}
	}
	return nil
}

type logTool struct{}

func (logTool) Name() string        { return "log" }
func (logTool) Description() string { return "writes a structured log line from a sequence step" }
func (logTool) Schema() *tools.Schema {
	return &tools.Schema{
		Inputs: &tools.ParameterSchema{Type: "object", Properties: map[string]*tools.Property{
			"message": {Type: "string"},
			"level":   {Type: "string"},
		}},
	}
}

func (logTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	msg, _ := inputs["message"].(string)
	level, _ := inputs["level"].(string)
	switch level {
	case "warn":
		slog.Warn(msg)
	case "error":
		slog.Error(msg)
	default:
		slog.Info(msg)
	}
	return map[string]any{"logged": true}, nil
}

type waitTool struct{}

func (waitTool) Name() string        { return "wait" }
func (waitTool) Description() string { return "sleeps for the given number of milliseconds" }
func (waitTool) Schema() *tools.Schema {
	return &tools.Schema{
		Inputs: &tools.ParameterSchema{Type: "object", Properties: map[string]*tools.Property{
			"duration_ms": {Type: "number"},
		}},
	}
}

func (waitTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	ms := toInt(inputs["duration_ms"])
	if ms <= 0 {
		return map[string]any{"waited_ms": 0}, nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"waited_ms": ms}, nil
}

type setVariableTool struct{}

func (setVariableTool) Name() string        { return "set_variable" }
func (setVariableTool) Description() string { return "echoes its value input back as the step result" }
func (setVariableTool) Schema() *tools.Schema {
	return &tools.Schema{Inputs: &tools.ParameterSchema{Type: "object"}}
}

func (setVariableTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"value": inputs["value"]}, nil
}

type noopTool struct{}

func (noopTool) Name() string        { return "noop" }
func (noopTool) Description() string { return "does nothing" }
func (noopTool) Schema() *tools.Schema {
	return &tools.Schema{Inputs: &tools.ParameterSchema{Type: "object"}}
}

func (noopTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
