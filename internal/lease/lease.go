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

// Package lease implements the resource lease manager (spec.md §4.5): a
// bounded-concurrency reservation over a shared key, backed by
// backend.LeaseStore's atomic count-then-insert transaction.
package lease

import (
	"context"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/orcherr"
)

// DefaultTTL is the lease lifetime applied when a caller does not specify
// one (spec.md §4.5: "TTL is configurable (default ~5 minutes)").
const DefaultTTL = 5 * time.Minute

// pollInterval is how often Acquire retries TryAcquire while waiting for a
// slot to free up.
const pollInterval = 100 * time.Millisecond

// Manager acquires and releases resource leases.
type Manager struct {
	store backend.LeaseStore
}

// New creates a Manager backed by store.
func New(store backend.LeaseStore) *Manager {
	return &Manager{store: store}
}

// TryAcquire makes a single non-blocking attempt to reserve resourceKey
// under limit concurrent holders, returning (lease, false, nil) when the
// limit is already reached.
func (m *Manager) TryAcquire(ctx context.Context, resourceKey, runID, nodeID, stepID string, limit int, ttl time.Duration) (*backend.Lease, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if limit <= 0 {
		limit = 1
	}
	return m.store.TryAcquireLease(ctx, resourceKey, runID, nodeID, stepID, limit, ttl)
}

// Acquire blocks, polling TryAcquire, until a lease is granted, ctx is
// cancelled, or the wait budget elapses (spec.md §4.9 step 4: "wait up to a
// bounded budget; failure falls through to the retry policy"). A budget of
// zero or less disables the deadline (ctx cancellation is still honored).
func (m *Manager) Acquire(ctx context.Context, resourceKey, runID, nodeID, stepID string, limit int, ttl, budget time.Duration) (*backend.Lease, error) {
	deadlineCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		lease, ok, err := m.TryAcquire(ctx, resourceKey, runID, nodeID, stepID, limit, ttl)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindLeaseTimeout, resourceKey, err)
		}
		if ok {
			return lease, nil
		}

		select {
		case <-ticker.C:
		case <-deadlineCtx.Done():
			return nil, orcherr.New(orcherr.KindLeaseTimeout, resourceKey, "timed out waiting for resource lease")
		}
	}
}

// Release stamps released_at on leaseID. A release of an unknown or
// already-released lease is a no-op.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil
	}
	return m.store.ReleaseLease(ctx, leaseID)
}

// ListActive supports the admin endpoint's lease listing (spec.md §4.5).
func (m *Manager) ListActive(ctx context.Context, resourceKey string) ([]*backend.Lease, error) {
	return m.store.ListActiveLeases(ctx, resourceKey)
}
