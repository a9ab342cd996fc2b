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
	"sync"

	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
)

// branchResult is one branch's outcome, collected as each RunSubgraph call
// returns so wait_strategy can be evaluated without blocking on the
// slowest branch when n or any is requested.
type branchResult struct {
	name  string
	state *State
	err   error
}

// ParallelExecutor fans a copy of state out to each branch's entry node,
// running every branch concurrently via Deps.RunSubgraph, then merges the
// surviving branches' vars back by set union with last-writer-wins on
// conflicting scalars (spec.md §4.9, "Parallel").
type ParallelExecutor struct{}

func (ParallelExecutor) Execute(ctx context.Context, deps *Deps, node *procedure.IRNode, state *State) error {
	ensureVars(state)
	payload := node.Parallel
	if payload == nil || len(payload.Branches) == 0 {
		state.NextNodeID = node.NextNodeID
		return nil
	}
	if deps.RunSubgraph == nil {
		return orcherr.New(orcherr.KindInternal, node.NodeID, "parallel executor: Deps.RunSubgraph is not configured")
	}

	results := make(chan branchResult, len(payload.Branches))
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, br := range payload.Branches {
		wg.Add(1)
		go func(br *procedure.ParallelBranch) {
			defer wg.Done()
			branchState := copyState(state)
			out, err := deps.RunSubgraph(branchCtx, br.EntryNodeID, branchState)
			results <- branchResult{name: br.Name, state: out, err: err}
		}(br)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	need := len(payload.Branches)
	switch payload.WaitStrategy {
	case "any":
		need = 1
	case "n":
		if payload.WaitN > 0 {
			need = payload.WaitN
		}
	}

	var (
		succeeded int
		failed    error
		collected []branchResult
	)
	for r := range results {
		collected = append(collected, r)
		if r.err != nil {
			if payload.BranchFailure == "fail_fast" {
				failed = r.err
				cancel()
				break
			}
			continue
		}
		succeeded++
		if succeeded >= need {
			break
		}
	}

	if failed != nil {
		return orcherr.Wrap(orcherr.KindAgentError, node.NodeID, failed)
	}
	if succeeded < need {
		return orcherr.New(orcherr.KindAgentError, node.NodeID, "parallel executor: insufficient branches succeeded")
	}

	for _, r := range collected {
		if r.err == nil && r.state != nil {
			mergeVars(state, r.state)
		}
	}

	state.NextNodeID = node.NextNodeID
	return nil
}

func copyState(state *State) *State {
	cp := &State{
		RunID:            state.RunID,
		ProcedureID:      state.ProcedureID,
		ProcedureVersion: state.ProcedureVersion,
		Vars:             make(map[string]any, len(state.Vars)),
		Secrets:          state.Secrets,
		Results:          make(map[string]any, len(state.Results)),
	}
	for k, v := range state.Vars {
		cp.Vars[k] = v
	}
	for k, v := range state.Results {
		cp.Results[k] = v
	}
	return cp
}

// mergeVars folds a completed branch's vars/results back into the parent
// state by set union, last writer wins on scalar conflicts (spec.md §4.9).
func mergeVars(parent, branch *State) {
	for k, v := range branch.Vars {
		parent.Vars[k] = v
	}
	for k, v := range branch.Results {
		parent.Results[k] = v
	}
}
