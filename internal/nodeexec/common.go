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
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/tombee/conductor/internal/dispatch"
	"github.com/tombee/conductor/pkg/orcherr"
	"github.com/tombee/conductor/pkg/procedure"
	"github.com/tombee/conductor/pkg/procedure/expression"
)

func exprContext(state *State) *expression.Context {
	return &expression.Context{Vars: state.Vars, Secrets: state.Secrets, Results: state.Results}
}

func ensureVars(state *State) {
	if state.Vars == nil {
		state.Vars = make(map[string]any)
	}
	if state.Results == nil {
		state.Results = make(map[string]any)
	}
}

// emit is a nil-safe helper so executors do not need to check deps.Events
// before every event (tests often run without a wired Sink).
func emit(ctx context.Context, deps *Deps, runID, eventType, nodeID, stepID string, attempt int, payload map[string]any) {
	if deps == nil || deps.Events == nil {
		return
	}
	_ = deps.Events.Emit(ctx, runID, eventType, nodeID, stepID, attempt, payload)
}

func checkCancelled(ctx context.Context, deps *Deps, runID string) error {
	if deps == nil || deps.Cancel == nil {
		select {
		case <-ctx.Done():
			return orcherr.Wrap(orcherr.KindCancelled, runID, ctx.Err())
		default:
			return nil
		}
	}
	if err := deps.Cancel.CheckContext(ctx, runID); err != nil {
		return orcherr.Wrap(orcherr.KindCancelled, runID, err)
	}
	return nil
}

// runStep executes one IRStep end to end per spec.md §4.9's Sequence
// algorithm (steps 1-8), shared by the Sequence executor (looping over
// multiple steps) and the Generic executor (processing/verification/
// llm_action, each a single-step sequence).
func runStep(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State, retry procedure.RetryConfig, errorHandlers map[string]*procedure.ErrorHandler) error {
	attempt := 0
	for {
		err := runStepOnce(ctx, deps, node, step, state, attempt)
		if err == nil {
			return nil
		}

		if orcherr.Is(err, orcherr.KindCancelled) {
			return err
		}

		if step.RetryOnFailure && orcherr.Retryable(err) && attempt < effectiveMaxRetries(step, retry) {
			attempt++
			emit(ctx, deps, state.RunID, "retry_attempted", node.NodeID, step.StepID, attempt, map[string]any{"error": err.Error()})
			sleepBackoff(ctx, attempt, effectiveRetryConfig(step, retry))
			continue
		}

		if handled, herr := consultErrorHandlers(ctx, deps, node, step, state, errorHandlers, err); handled {
			return herr
		}

		return err
	}
}

func effectiveRetryConfig(step *procedure.IRStep, global procedure.RetryConfig) procedure.RetryConfig {
	if step.Retry != nil {
		return *step.Retry
	}
	return global
}

func effectiveMaxRetries(step *procedure.IRStep, global procedure.RetryConfig) int {
	return effectiveRetryConfig(step, global).MaxRetries
}

func sleepBackoff(ctx context.Context, attempt int, cfg procedure.RetryConfig) {
	base := cfg.BackoffBaseMs
	if base <= 0 {
		base = 200
	}
	max := cfg.BackoffMaxMs
	if max <= 0 {
		max = 5000
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	jitter := delay * (0.5 + rand.Float64()*0.5)
	select {
	case <-time.After(time.Duration(jitter) * time.Millisecond):
	case <-ctx.Done():
	}
}

// consultErrorHandlers implements spec.md §4.9 step 8's fallback path: run
// the handler keyed by the error kind (if any), then fail, route, or
// ignore per its action.
func consultErrorHandlers(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State, handlers map[string]*procedure.ErrorHandler, cause error) (bool, error) {
	if handlers == nil {
		return false, nil
	}
	kind := string(orcherr.KindOf(cause))
	handler, ok := handlers[kind]
	if !ok {
		return false, nil
	}

	for _, rs := range handler.RecoverySteps {
		if rerr := runStep(ctx, deps, node, rs, state, procedure.DefaultRetryConfig(), nil); rerr != nil {
			return true, rerr
		}
	}

	switch handler.Action {
	case "ignore":
		return true, nil
	case "fallback_node":
		state.NextNodeID = handler.FallbackNode
		return true, nil
	case "escalate", "fail":
		return true, cause
	default:
		return true, cause
	}
}

func runStepOnce(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State, attempt int) error {
	ensureVars(state)

	if err := checkCancelled(ctx, deps, state.RunID); err != nil {
		return err
	}

	if cached, ok, err := cachedIdempotentResult(ctx, deps, node, step, state); err != nil {
		return err
	} else if ok {
		storeStepResult(state, step, cached)
		return nil
	}

	if step.WaitMs > 0 {
		if err := sleepCtx(ctx, time.Duration(step.WaitMs)*time.Millisecond); err != nil {
			return orcherr.Wrap(orcherr.KindCancelled, state.RunID, err)
		}
	}

	params := expression.ResolveParams(ctx, exprContext(state), step.Params)

	binding, err := deps.Resolver.Resolve(ctx, node, step)
	if err != nil {
		return err
	}

	var leaseID string
	if binding.Kind != procedure.BindingInternal && node.Agent != "" && deps.Leases != nil {
		resourceKey := binding.ResourceKey
		if resourceKey == "" {
			resourceKey = node.Agent
		}
		l, lerr := deps.Leases.Acquire(ctx, resourceKey, state.RunID, node.NodeID, step.StepID, binding.ConcurrencyLimit, 0, deps.LeaseBudget)
		if lerr != nil {
			return lerr
		}
		leaseID = l.LeaseID
		defer func() { _ = deps.Leases.Release(ctx, leaseID) }()
	}

	emit(ctx, deps, state.RunID, "step_started", node.NodeID, step.StepID, attempt, map[string]any{"action": step.Action})

	if step.WorkflowDispatch == "async" && binding.Kind != procedure.BindingInternal {
		state.WorkflowPending = true
		state.WorkflowResumeNode = node.NodeID
		state.WorkflowResumeStep = step.StepID
		emit(ctx, deps, state.RunID, "workflow_delegated", node.NodeID, step.StepID, attempt, map[string]any{"action": step.Action})
		go func() {
			bg := context.Background()
			_, _ = deps.Dispatcher.Dispatch(bg, buildDispatchRequest(binding, step, params, state, node))
		}()
		return nil
	}

	result, err := dispatchStep(ctx, deps, node, step, state, binding, params)
	if err != nil {
		recordIdempotentFailure(ctx, deps, node, step, state, err)
		emit(ctx, deps, state.RunID, "step_failed", node.NodeID, step.StepID, attempt, map[string]any{"error": err.Error()})
		return err
	}

	recordIdempotentSuccess(ctx, deps, node, step, state, result)
	storeStepResult(state, step, result)
	emit(ctx, deps, state.RunID, "step_completed", node.NodeID, step.StepID, attempt, map[string]any{"result": toAny(result)})

	if step.WaitAfterMs > 0 {
		if err := sleepCtx(ctx, time.Duration(step.WaitAfterMs)*time.Millisecond); err != nil {
			return orcherr.Wrap(orcherr.KindCancelled, state.RunID, err)
		}
	}
	return nil
}

func dispatchStep(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State, binding *procedure.ExecutorBinding, params map[string]any) (json.RawMessage, error) {
	if binding.Kind == procedure.BindingInternal {
		out, err := deps.Tools.Execute(ctx, step.Action, params)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindInternal, step.StepID, err)
		}
		return json.Marshal(out)
	}

	if deps.RateLimiter != nil && deps.RateLimitPerMinute > 0 {
		timeout := deps.DefaultStepTimeout
		if timeout <= 0 {
			timeout = DefaultStepTimeout
		}
		if step.TimeoutMs > 0 {
			timeout = time.Duration(step.TimeoutMs) * time.Millisecond
		}
		key := deps.RateLimitKey
		if key == "" {
			key = state.ProcedureID
		}
		if err := deps.RateLimiter.Acquire(ctx, key, deps.RateLimitPerMinute, timeout); err != nil {
			return nil, err
		}
	}

	return deps.Dispatcher.Dispatch(ctx, buildDispatchRequest(binding, step, params, state, node))
}

func buildDispatchRequest(binding *procedure.ExecutorBinding, step *procedure.IRStep, params map[string]any, state *State, node *procedure.IRNode) *dispatch.Request {
	return &dispatch.Request{
		BaseURL: binding.BaseURL,
		Action:  step.Action,
		Params:  params,
		RunID:   state.RunID,
		NodeID:  node.NodeID,
		StepID:  step.StepID,
	}
}

func storeStepResult(state *State, step *procedure.IRStep, result json.RawMessage) {
	var decoded any
	_ = json.Unmarshal(result, &decoded)
	if state.Results == nil {
		state.Results = make(map[string]any)
	}
	state.Results[step.StepID] = decoded
	if step.OutputVariable != "" {
		state.Vars[step.OutputVariable] = decoded
	}
}

func toAny(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cachedIdempotentResult(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State) (json.RawMessage, bool, error) {
	if deps.Idempotency == nil {
		return nil, false, nil
	}
	binding, err := deps.Resolver.Resolve(ctx, node, step)
	if err != nil {
		return nil, false, err
	}
	if binding.Kind == procedure.BindingInternal {
		return nil, false, nil
	}
	if _, err := deps.Idempotency.Start(ctx, state.RunID, node.NodeID, step.StepID); err != nil {
		return nil, false, err
	}
	return deps.Idempotency.CachedResult(ctx, state.RunID, node.NodeID, step.StepID)
}

func recordIdempotentSuccess(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State, result json.RawMessage) {
	if deps.Idempotency == nil {
		return
	}
	_ = deps.Idempotency.Succeed(ctx, state.RunID, node.NodeID, step.StepID, toAny(result))
}

func recordIdempotentFailure(ctx context.Context, deps *Deps, node *procedure.IRNode, step *procedure.IRStep, state *State, err error) {
	if deps.Idempotency == nil {
		return
	}
	_ = deps.Idempotency.Fail(ctx, state.RunID, node.NodeID, step.StepID, err.Error())
}
