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

// Package cancel implements the in-process cancellation registry
// (spec.md §4.12): node executors poll it at every step boundary, and a
// worker's DB-flag bridge goroutine mirrors run.cancellation_requested into
// it so a cancel request takes effect without waiting for the next
// heartbeat poll of the run row itself.
package cancel

import (
	"context"
	"sync"
)

// Registry tracks which run IDs have been asked to cancel, in-process.
type Registry struct {
	mu        sync.RWMutex
	cancelled map[string]bool
	watchers  map[string][]func()
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		cancelled: make(map[string]bool),
		watchers:  make(map[string][]func()),
	}
}

// Cancel marks runID cancelled and fires any watchers registered for it.
func (r *Registry) Cancel(runID string) {
	r.mu.Lock()
	r.cancelled[runID] = true
	watchers := r.watchers[runID]
	delete(r.watchers, runID)
	r.mu.Unlock()

	for _, cb := range watchers {
		cb()
	}
}

// IsCancelled reports whether runID has been cancelled.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled[runID]
}

// Clear forgets runID's cancellation state, called once a cancelled run
// reaches a terminal status so the map does not grow unbounded.
func (r *Registry) Clear(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, runID)
	delete(r.watchers, runID)
}

// Watch registers cb to run the moment runID is cancelled. If runID is
// already cancelled, cb runs synchronously before Watch returns.
func (r *Registry) Watch(runID string, cb func()) {
	r.mu.Lock()
	if r.cancelled[runID] {
		r.mu.Unlock()
		cb()
		return
	}
	r.watchers[runID] = append(r.watchers[runID], cb)
	r.mu.Unlock()
}

// CheckContext returns ctx.Err() if ctx is done, else nil from IsCancelled
// turned into context.Canceled — a convenience for node executors that
// want a single cancellation check combining both signals (spec.md §4.9:
// "honor cancellation at every step boundary").
func (r *Registry) CheckContext(ctx context.Context, runID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if r.IsCancelled(runID) {
		return context.Canceled
	}
	return nil
}
