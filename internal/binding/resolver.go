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

// Package binding implements the executor resolver (spec.md §4.4): given an
// IR step and its owning node, it produces the concrete ExecutorBinding a
// node executor should dispatch through.
package binding

import (
	"context"

	"github.com/tombee/conductor/internal/registry"
	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
)

// Resolver resolves steps to executor bindings in the order spec.md §4.4
// defines: (1) compile-time internal binding, (2) no agent channel on the
// node, (3) registry lookup by (channel, action), (4) fallback tool server,
// (5) no-executor error.
type Resolver struct {
	registry        *registry.Registry
	fallbackToolURL string
}

// New creates a Resolver. fallbackToolURL may be empty, in which case step
// (4) is skipped and an unmatched registry lookup raises KindNoExecutor.
func New(reg *registry.Registry, fallbackToolURL string) *Resolver {
	return &Resolver{registry: reg, fallbackToolURL: fallbackToolURL}
}

// Resolve returns the ExecutorBinding for step within node.
func (r *Resolver) Resolve(ctx context.Context, node *procedure.IRNode, step *procedure.IRStep) (*procedure.ExecutorBinding, error) {
	if step.ExecutorBinding != nil {
		return step.ExecutorBinding, nil
	}

	if node.Agent == "" {
		return &procedure.ExecutorBinding{Kind: procedure.BindingInternal}, nil
	}

	if r.registry != nil {
		agent, ok, err := r.registry.FindCapableAgent(ctx, node.Agent, step.Action)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindInternal, step.StepID, err)
		}
		if ok {
			return &procedure.ExecutorBinding{
				Kind:             procedure.BindingAgentHTTP,
				BaseURL:          agent.BaseURL,
				ResourceKey:      agent.ResourceKey,
				ConcurrencyLimit: agent.ConcurrencyLimit,
			}, nil
		}
	}

	if r.fallbackToolURL != "" {
		return &procedure.ExecutorBinding{Kind: procedure.BindingTool, BaseURL: r.fallbackToolURL}, nil
	}

	return nil, orcherr.New(orcherr.KindNoExecutor, step.StepID,
		"no agent registered for channel "+node.Agent+" and no fallback tool server configured")
}
