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
)

// TerminateExecutor ends the run with an explicit status, bypassing
// next_node_id entirely (spec.md §4.9, "Terminate").
type TerminateExecutor struct{}

func (TerminateExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	payload := node.Terminate
	if payload == nil {
		state.TerminalStatus = "completed"
	} else {
		state.TerminalStatus = payload.Status
		state.TerminalReason = payload.Reason
	}
	state.NextNodeID = ""

	eventType := "run_completed"
	if state.TerminalStatus == "failed" {
		eventType = "run_failed"
	}
	emit(ctx, deps, state.RunID, eventType, node.NodeID, "", 0, map[string]any{
		"status": state.TerminalStatus,
		"reason": state.TerminalReason,
	})
	return nil
}
