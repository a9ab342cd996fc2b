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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/binding"
	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/internal/controller/events"
	"github.com/tombee/conductor/internal/idempotency"
	"github.com/tombee/conductor/internal/registry"
	"github.com/tombee/conductor/pkg/tools"
)

// testDeps builds a Deps wired only for internal-action dispatch (no
// agent/tool HTTP servers), sufficient for exercising sequence, logic,
// loop, generic, transform, terminate, and approval executors.
func testDeps(t *testing.T) *Deps {
	t.Helper()
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })

	reg := tools.NewRegistry()
	require.NoError(t, RegisterInternalActions(reg))

	return &Deps{
		Resolver:    binding.New(registry.New(be), ""),
		Idempotency: idempotency.New(be),
		Events:      events.New(be),
		Tools:       reg,
		Approvals:   be,
	}
}

func newState(runID string) *State {
	return &State{
		RunID:       runID,
		ProcedureID: "proc1",
		Vars:        map[string]any{},
		Results:     map[string]any{},
	}
}
