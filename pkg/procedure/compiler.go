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

package procedure

import (
	"encoding/json"
	"fmt"
)

// ValidationError reports a structural problem found while compiling a
// procedure definition, carrying a dotted Path to the offending node/step
// (spec.md §4.1).
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("validation: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("validation: %s", e.Message)
}

// ProcedureDefinition is the raw, uncompiled shape of a procedure JSON
// document. It mirrors IRProcedure field-for-field; Compile applies
// defaults and validates before producing an IRProcedure.
type ProcedureDefinition struct {
	ProcedureID     string             `json:"procedure_id"`
	Version         int                `json:"version"`
	GlobalConfig    GlobalConfig       `json:"global_config"`
	VariablesSchema json.RawMessage    `json:"variables_schema,omitempty"`
	StartNodeID     string             `json:"start_node_id"`
	Nodes           map[string]*IRNode `json:"nodes"`
}

// ApplyDefaults fills in zero-value configuration with the conservative
// defaults spec.md §9 invites, mirroring the teacher's two-phase
// defaults-then-validate compile style.
func (d *ProcedureDefinition) ApplyDefaults() {
	if d.GlobalConfig.Retry.MaxRetries == 0 && d.GlobalConfig.Retry.BackoffBaseMs == 0 {
		d.GlobalConfig.Retry = DefaultRetryConfig()
	}
	for _, n := range d.Nodes {
		if n == nil {
			continue
		}
		switch n.Type {
		case NodeParallel:
			if n.Parallel != nil && n.Parallel.WaitStrategy == "" {
				n.Parallel.WaitStrategy = "all"
			}
			if n.Parallel != nil && n.Parallel.BranchFailure == "" {
				n.Parallel.BranchFailure = "fail_fast"
			}
		case NodeSequence:
			if n.Sequence != nil {
				for _, s := range n.Sequence.Steps {
					if s.Retry == nil {
						r := d.GlobalConfig.Retry
						s.Retry = &r
					}
				}
			}
		}
	}
}

// Validate checks the structural invariants spec.md §4.1 requires. It
// returns the first *ValidationError found; callers that want every error
// should use ValidateAll.
func (d *ProcedureDefinition) Validate() error {
	errs := d.ValidateAll()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateAll returns every *ValidationError found (not just the first),
// useful for surfacing a complete report at the API boundary.
func (d *ProcedureDefinition) ValidateAll() []*ValidationError {
	var errs []*ValidationError

	if d.StartNodeID == "" {
		errs = append(errs, &ValidationError{Path: "start_node_id", Message: "start node is required"})
	} else if _, ok := d.Nodes[d.StartNodeID]; !ok {
		errs = append(errs, &ValidationError{Path: "start_node_id", Message: "start node does not exist: " + d.StartNodeID})
	}

	exists := func(id string) bool {
		if id == "" {
			return true // empty target means END
		}
		_, ok := d.Nodes[id]
		return ok
	}

	for id, n := range d.Nodes {
		if n == nil {
			errs = append(errs, &ValidationError{Path: "nodes." + id, Message: "node is nil"})
			continue
		}
		path := "nodes." + id
		if !exists(n.NextNodeID) {
			errs = append(errs, &ValidationError{Path: path + ".next_node_id", Message: "references missing node: " + n.NextNodeID})
		}
		if n.GlobalOnFailureInvalid(d) {
			errs = append(errs, &ValidationError{Path: "global_config.on_failure", Message: "references missing node: " + d.GlobalConfig.OnFailureNodeID})
		}

		switch n.Type {
		case NodeLogic:
			if n.Logic == nil || len(n.Logic.Rules) == 0 {
				errs = append(errs, &ValidationError{Path: path, Message: "logic node requires at least one rule"})
				continue
			}
			for i, r := range n.Logic.Rules {
				if r.Condition == "" {
					errs = append(errs, &ValidationError{Path: fmt.Sprintf("%s.logic.rules[%d]", path, i), Message: "rule condition is empty"})
				}
				if !exists(r.Next) {
					errs = append(errs, &ValidationError{Path: fmt.Sprintf("%s.logic.rules[%d].next", path, i), Message: "references missing node: " + r.Next})
				}
			}
			if !exists(n.Logic.DefaultNext) {
				errs = append(errs, &ValidationError{Path: path + ".logic.default_next", Message: "references missing node: " + n.Logic.DefaultNext})
			}
		case NodeLoop:
			if n.Loop == nil || n.Loop.BodyNodeID == "" {
				errs = append(errs, &ValidationError{Path: path, Message: "loop node requires a body"})
				continue
			}
			if !exists(n.Loop.BodyNodeID) {
				errs = append(errs, &ValidationError{Path: path + ".loop.body_node_id", Message: "references missing node: " + n.Loop.BodyNodeID})
			}
		case NodeParallel:
			if n.Parallel == nil || len(n.Parallel.Branches) == 0 {
				errs = append(errs, &ValidationError{Path: path, Message: "parallel node requires at least one branch"})
				continue
			}
			for i, b := range n.Parallel.Branches {
				if !exists(b.EntryNodeID) {
					errs = append(errs, &ValidationError{Path: fmt.Sprintf("%s.parallel.branches[%d]", path, i), Message: "references missing node: " + b.EntryNodeID})
				}
			}
		case NodeSubflow:
			if n.Subflow == nil || n.Subflow.ProcedureID == "" {
				errs = append(errs, &ValidationError{Path: path, Message: "subflow node requires a procedure_id"})
			}
		case NodeSequence:
			if n.Sequence == nil {
				errs = append(errs, &ValidationError{Path: path, Message: "sequence node requires steps"})
				continue
			}
			for i, s := range n.Sequence.Steps {
				if s.StepID == "" {
					errs = append(errs, &ValidationError{Path: fmt.Sprintf("%s.sequence.steps[%d]", path, i), Message: "step_id is required"})
				}
				if s.Action == "" {
					errs = append(errs, &ValidationError{Path: fmt.Sprintf("%s.sequence.steps[%d]", path, i), Message: "action is required"})
				}
			}
		case NodeHumanApproval:
			if n.Approval == nil {
				errs = append(errs, &ValidationError{Path: path, Message: "human_approval node requires a prompt"})
				continue
			}
			if !exists(n.Approval.OnApprove) || !exists(n.Approval.OnReject) || !exists(n.Approval.OnTimeout) {
				errs = append(errs, &ValidationError{Path: path + ".approval", Message: "on_approve/on_reject/on_timeout must reference existing nodes"})
			}
		case NodeTerminate:
			if n.Terminate == nil || n.Terminate.Status == "" {
				errs = append(errs, &ValidationError{Path: path, Message: "terminate node requires a status"})
			}
		}

		for kind, h := range n.ErrorHandlers {
			if h.Action == "fallback_node" && !exists(h.FallbackNode) {
				errs = append(errs, &ValidationError{Path: fmt.Sprintf("%s.error_handlers.%s.fallback_node", path, kind), Message: "references missing node: " + h.FallbackNode})
			}
		}
	}

	return errs
}

// GlobalOnFailureInvalid is a small helper used only by Validate to avoid
// re-checking the global on_failure target once per node; it is cheap and
// idempotent to call per-node.
func (n *IRNode) GlobalOnFailureInvalid(d *ProcedureDefinition) bool {
	if d.GlobalConfig.OnFailureNodeID == "" {
		return false
	}
	_, ok := d.Nodes[d.GlobalConfig.OnFailureNodeID]
	return !ok
}

// Compile parses raw procedure JSON into a validated, bound IRProcedure
// (spec.md §4.1). It fails with a *ValidationError for malformed IR.
func Compile(raw []byte) (*IRProcedure, error) {
	var def ProcedureDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, &ValidationError{Message: "malformed procedure JSON: " + err.Error()}
	}
	if def.Nodes == nil {
		return nil, &ValidationError{Path: "nodes", Message: "procedure has no nodes"}
	}

	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	bindInternalActions(&def)

	return &IRProcedure{
		ProcedureID:     def.ProcedureID,
		Version:         def.Version,
		GlobalConfig:    def.GlobalConfig,
		VariablesSchema: def.VariablesSchema,
		StartNodeID:     def.StartNodeID,
		Nodes:           def.Nodes,
	}, nil
}

// bindInternalActions walks every sequence payload and tags steps whose
// action is in the fixed internal whitelist with a compile-time binding
// (spec.md §4.1). Everything else is left unbound for internal/binding to
// resolve at runtime.
func bindInternalActions(def *ProcedureDefinition) {
	for _, n := range def.Nodes {
		if n == nil || n.Sequence == nil {
			continue
		}
		for _, s := range n.Sequence.Steps {
			if IsInternalAction(s.Action) {
				s.ExecutorBinding = &ExecutorBinding{Kind: BindingInternal}
			}
		}
	}
}
