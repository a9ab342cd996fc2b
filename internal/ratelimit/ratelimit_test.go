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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/orcherr"
)

func TestAcquire_AllowsBurstUpToCapacity(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, l.Acquire(ctx, "proc-1", 60, time.Second))
	}
}

func TestAcquire_BlocksPastCapacityThenTimesOut(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Acquire(ctx, "proc-2", 2, time.Second))
	}

	err := l.Acquire(ctx, "proc-2", 2, 150*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, orcherr.KindRateLimit, orcherr.KindOf(err))
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "proc-a", 1, time.Second))
	require.NoError(t, l.Acquire(ctx, "proc-b", 1, time.Second))
}

func TestAcquire_RefillsOverTime(t *testing.T) {
	l := New()
	ctx := context.Background()

	// Capacity 60/min => refill rate 1/sec. Drain the bucket, then wait for
	// enough elapsed time to refill one token.
	b := l.bucketFor("proc-c", 60)
	for b.Allow() {
	}

	err := l.Acquire(ctx, "proc-c", 60, 1500*time.Millisecond)
	require.NoError(t, err)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Acquire(ctx, "proc-d", 1, time.Second))
	cancel()

	err := l.Acquire(ctx, "proc-d", 1, time.Second)
	require.Error(t, err)
}
