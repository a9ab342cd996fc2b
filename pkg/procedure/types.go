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

// Package procedure implements the IR model and compiler for declarative
// procedure definitions (spec.md §3-4.1): parsing procedure JSON into a
// typed graph of nodes, applying defaults, validating structural invariants,
// and tagging compile-time-resolvable steps.
package procedure

import "encoding/json"

// NodeType enumerates the eleven node kinds spec.md §3 defines.
type NodeType string

const (
	NodeSequence      NodeType = "sequence"
	NodeLogic         NodeType = "logic"
	NodeLoop          NodeType = "loop"
	NodeParallel      NodeType = "parallel"
	NodeProcessing    NodeType = "processing"
	NodeVerification  NodeType = "verification"
	NodeLLMAction     NodeType = "llm_action"
	NodeHumanApproval NodeType = "human_approval"
	NodeTransform     NodeType = "transform"
	NodeSubflow       NodeType = "subflow"
	NodeTerminate     NodeType = "terminate"
)

// BindingKind identifies how a step's executor was resolved.
type BindingKind string

const (
	BindingInternal BindingKind = "internal"
	BindingAgentHTTP BindingKind = "agent_http"
	BindingTool      BindingKind = "tool"
)

// internalWhitelist is the fixed set of actions the binder tags as
// compile-time internal (spec.md §4.1). Resolution for anything else is
// deferred to runtime (internal/binding).
var internalWhitelist = map[string]bool{
	"log":           true,
	"wait":          true,
	"set_variable":  true,
	"noop":          true,
}

// IsInternalAction reports whether action belongs to the fixed internal
// whitelist.
func IsInternalAction(action string) bool {
	return internalWhitelist[action]
}

// ExecutorBinding is the compile-time-resolved executor for a step, set
// only when the binder can resolve it without runtime state (internal
// actions). Steps bound to an agent or tool are resolved at runtime by
// internal/binding since agents can be registered after compilation.
type ExecutorBinding struct {
	Kind    BindingKind `json:"kind"`
	BaseURL string      `json:"base_url,omitempty"`

	// ResourceKey and ConcurrencyLimit carry the owning agent's lease
	// identity (spec.md §3, "Agent Instance": resource_key,
	// concurrency_limit) for agent_http bindings, so the sequence
	// executor leases the agent's actual pool instead of defaulting to a
	// limit of 1 for every channel (spec.md §4.5). Zero value on a
	// non-agent_http binding or when no agent row matched; callers fall
	// back to the node's channel tag and limit 1 in that case.
	ResourceKey      string `json:"resource_key,omitempty"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
}

// RetryConfig controls per-step or global retry-on-failure behavior
// (spec.md §4.9, step 8).
type RetryConfig struct {
	MaxRetries    int `json:"max_retries"`
	BackoffBaseMs int `json:"backoff_base_ms"`
	BackoffMaxMs  int `json:"backoff_max_ms"`
}

// DefaultRetryConfig mirrors the conservative defaults spec.md §9 invites
// for unspecified knobs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BackoffBaseMs: 200, BackoffMaxMs: 5000}
}

// GlobalConfig is per-procedure configuration (spec.md §3, IR Procedure).
type GlobalConfig struct {
	RateLimitPerMinute int         `json:"rate_limit_per_minute,omitempty"`
	Retry              RetryConfig `json:"retry"`
	OnFailureNodeID    string      `json:"on_failure,omitempty"`
}

// ErrorHandler is a node-level recovery rule keyed by error kind
// (spec.md §4.9 Sequence step 8, §7).
type ErrorHandler struct {
	ErrorKind     string   `json:"error_kind"`
	RecoverySteps []*IRStep `json:"recovery_steps,omitempty"`
	Action        string   `json:"action"` // retry, fail, ignore, fallback_node, escalate
	FallbackNode  string   `json:"fallback_node,omitempty"`
}

// IRStep is one action within a sequence node (spec.md §3, "IR Step").
type IRStep struct {
	StepID            string            `json:"step_id"`
	Action            string            `json:"action"`
	Params            map[string]any    `json:"params,omitempty"`
	TimeoutMs         int               `json:"timeout_ms,omitempty"`
	WaitMs            int               `json:"wait_ms,omitempty"`
	WaitAfterMs       int               `json:"wait_after_ms,omitempty"`
	RetryOnFailure    bool              `json:"retry_on_failure,omitempty"`
	Retry             *RetryConfig      `json:"retry,omitempty"`
	OutputVariable    string            `json:"output_variable,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	WorkflowDispatch  string            `json:"workflow_dispatch_mode,omitempty"` // "sync" (default) | "async"
	ExecutorBinding   *ExecutorBinding  `json:"-"`
}

// SequencePayload is the type-specific payload for a sequence node.
type SequencePayload struct {
	Steps []*IRStep `json:"steps"`
}

// LogicRule is one rule evaluated in order by the logic executor.
type LogicRule struct {
	Condition string `json:"condition"`
	Next      string `json:"next"`
}

// LogicPayload is the type-specific payload for a logic node.
type LogicPayload struct {
	Rules       []*LogicRule `json:"rules"`
	DefaultNext string       `json:"default_next,omitempty"`
}

// LoopPayload is the type-specific payload for a loop node.
type LoopPayload struct {
	IteratorVar      string `json:"iterator_var"`
	IndexVariable    string `json:"index_variable,omitempty"`
	BodyNodeID       string `json:"body_node_id"`
	MaxIterations    int    `json:"max_iterations,omitempty"`
	ContinueOnError  bool   `json:"continue_on_error,omitempty"`
}

// ParallelBranch is one branch of a parallel node, identified by its entry
// node id.
type ParallelBranch struct {
	Name       string `json:"name"`
	EntryNodeID string `json:"entry_node_id"`
}

// ParallelPayload is the type-specific payload for a parallel node.
type ParallelPayload struct {
	Branches       []*ParallelBranch `json:"branches"`
	WaitStrategy   string            `json:"wait_strategy"` // all, any, n
	WaitN          int               `json:"wait_n,omitempty"`
	BranchFailure  string            `json:"branch_failure"` // continue, fail_fast
}

// ApprovalPayload is the type-specific payload for a human_approval node.
type ApprovalPayload struct {
	Prompt       string `json:"prompt"`
	DecisionType string `json:"decision_type,omitempty"`
	OnApprove    string `json:"on_approve,omitempty"`
	OnReject     string `json:"on_reject,omitempty"`
	OnTimeout    string `json:"on_timeout,omitempty"`
	TimeoutMs    int    `json:"timeout_ms,omitempty"`
}

// SubflowPayload is the type-specific payload for a subflow node.
type SubflowPayload struct {
	ProcedureID    string            `json:"procedure_id"`
	Version        string            `json:"version,omitempty"` // numeric string or "latest"
	InputMapping   map[string]string `json:"input_mapping,omitempty"`
	OutputMapping  map[string]string `json:"output_mapping,omitempty"`
	OnFailure      string            `json:"on_failure,omitempty"` // fail_parent, ignore
}

// TerminatePayload is the type-specific payload for a terminate node.
type TerminatePayload struct {
	Status string `json:"status"` // completed, failed, canceled
	Reason string `json:"reason,omitempty"`
}

// TransformPayload is the type-specific payload for a transform node: a
// jq-style expression evaluated against vars, writing OutputVariable.
type TransformPayload struct {
	Expression     string `json:"expression"`
	OutputVariable string `json:"output_variable"`
}

// GenericPayload backs processing/verification/llm_action nodes, which all
// follow the same single-call-with-template-params shape as a one-step
// sequence (spec.md §4.9).
type GenericPayload struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	OutputVariable string         `json:"output_variable,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty"`
}

// IRNode is a single graph vertex (spec.md §3, "IR Node").
type IRNode struct {
	NodeID        string          `json:"node_id"`
	Type          NodeType        `json:"type"`
	Agent         string          `json:"agent,omitempty"` // channel tag
	IsCheckpoint  bool            `json:"is_checkpoint,omitempty"`
	NextNodeID    string          `json:"next_node_id,omitempty"`
	ErrorHandlers map[string]*ErrorHandler `json:"error_handlers,omitempty"` // keyed by error kind

	Sequence     *SequencePayload  `json:"sequence,omitempty"`
	Logic        *LogicPayload     `json:"logic,omitempty"`
	Loop         *LoopPayload      `json:"loop,omitempty"`
	Parallel     *ParallelPayload  `json:"parallel,omitempty"`
	Approval     *ApprovalPayload  `json:"approval,omitempty"`
	Subflow      *SubflowPayload   `json:"subflow,omitempty"`
	Terminate    *TerminatePayload `json:"terminate,omitempty"`
	Transform    *TransformPayload `json:"transform,omitempty"`
	Processing   *GenericPayload   `json:"processing,omitempty"`
	Verification *GenericPayload   `json:"verification,omitempty"`
	LLMAction    *GenericPayload   `json:"llm_action,omitempty"`
}

// IRProcedure is the in-memory compilation artifact (spec.md §3,
// "IR Procedure").
type IRProcedure struct {
	ProcedureID     string             `json:"procedure_id"`
	Version         int                `json:"version"`
	GlobalConfig    GlobalConfig       `json:"global_config"`
	VariablesSchema json.RawMessage    `json:"variables_schema,omitempty"`
	StartNodeID     string             `json:"start_node_id"`
	Nodes           map[string]*IRNode `json:"nodes"`
}

// Node looks up a node by id, returning nil if absent.
func (p *IRProcedure) Node(id string) *IRNode {
	if p == nil || id == "" {
		return nil
	}
	return p.Nodes[id]
}
