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

// Package events implements the append-only run event stream (spec.md
// §4.15): step_started, step_completed, step_failed, retry_attempted,
// loop_iteration, approval_requested, workflow_delegated, and friends.
// Payloads are redacted before they reach the store so secrets never land
// in the event log (spec.md §7).
package events

import (
	"context"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
)

// Event type names emitted by the node executors and graph runner
// (spec.md §4.9, §4.10, §4.12).
const (
	TypeStepStarted        = "step_started"
	TypeStepCompleted      = "step_completed"
	TypeStepFailed         = "step_failed"
	TypeRetryAttempted     = "retry_attempted"
	TypeLoopIteration      = "loop_iteration"
	TypeApprovalRequested  = "approval_requested"
	TypeWorkflowDelegated  = "workflow_delegated"
	TypeRunCancelled       = "run_cancelled"
	TypeRunCompleted       = "run_completed"
	TypeRunFailed          = "run_failed"
)

// sensitiveKeys are JSON object keys redacted from every event payload
// before it is persisted (spec.md §7).
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"secret":        true,
	"credential":    true,
	"authorization": true,
	"private_key":   true,
	"access_key":    true,
	"client_secret": true,
}

const redactedPlaceholder = "***REDACTED***"

// Sink appends run events through a backend.EventStore, redacting
// sensitive payload fields first.
type Sink struct {
	store backend.EventStore
}

// New creates a Sink backed by store.
func New(store backend.EventStore) *Sink {
	return &Sink{store: store}
}

// Emit appends one event. payload is redacted recursively before storage.
func (s *Sink) Emit(ctx context.Context, runID, eventType, nodeID, stepID string, attempt int, payload map[string]any) error {
	return s.store.AppendEvent(ctx, &backend.Event{
		RunID:     runID,
		EventType: eventType,
		NodeID:    nodeID,
		StepID:    stepID,
		Attempt:   attempt,
		Payload:   redact(payload),
		CreatedAt: time.Now(),
	})
}

// List returns events for runID with EventID > afterEventID, ordered
// ascending — used by the streaming/poll admin endpoints.
func (s *Sink) List(ctx context.Context, runID string, afterEventID int64) ([]*backend.Event, error) {
	return s.store.ListEvents(ctx, runID, afterEventID)
}

// redact returns a copy of v with any map key in sensitiveKeys (case
// sensitivity ignored via lowercasing) replaced by a fixed placeholder,
// recursing into nested maps and slices.
func redact(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		if sensitiveKeys[lower(k)] {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(val)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
