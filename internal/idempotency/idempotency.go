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

// Package idempotency implements the per-step dedup/replay cache
// (spec.md §4.7): a step with a binding other than internal is recorded
// started/succeeded/failed so a replayed job can return the cached result
// instead of re-invoking the agent.
package idempotency

import (
	"context"
	"encoding/json"

	"github.com/tombee/conductor/internal/controller/backend"
)

const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Ledger wraps a backend.IdempotencyStore.
type Ledger struct {
	store backend.IdempotencyStore
}

// New creates a Ledger backed by store.
func New(store backend.IdempotencyStore) *Ledger {
	return &Ledger{store: store}
}

// Start records (or re-affirms) that the step has begun dispatch.
func (l *Ledger) Start(ctx context.Context, runID, nodeID, stepID string) (*backend.IdempotencyRecord, error) {
	return l.store.StartStep(ctx, runID, nodeID, stepID)
}

// Succeed JSON-encodes result and records it against the step.
func (l *Ledger) Succeed(ctx context.Context, runID, nodeID, stepID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return l.store.SucceedStep(ctx, runID, nodeID, stepID, data)
}

// Fail records errMsg against the step.
func (l *Ledger) Fail(ctx context.Context, runID, nodeID, stepID string, errMsg string) error {
	return l.store.FailStep(ctx, runID, nodeID, stepID, errMsg)
}

// CachedResult returns (result, true, nil) when the step already holds a
// succeeded record, decoding its JSON result into out. It returns
// (nil, false, nil) for any other status or a missing record.
func (l *Ledger) CachedResult(ctx context.Context, runID, nodeID, stepID string) (json.RawMessage, bool, error) {
	rec, err := l.store.GetStep(ctx, runID, nodeID, stepID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.Status != StatusSucceeded {
		return nil, false, nil
	}
	return rec.ResultJSON, true, nil
}
