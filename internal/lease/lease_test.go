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

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/pkg/orcherr"
)

func TestTryAcquire_RespectsLimit(t *testing.T) {
	be := memory.New()
	defer be.Close()
	m := New(be)
	ctx := context.Background()

	l1, ok, err := m.TryAcquire(ctx, "web_default", "run1", "n1", "s1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, l1)

	_, ok, err = m.TryAcquire(ctx, "web_default", "run2", "n1", "s1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Release(ctx, l1.LeaseID))

	l3, ok, err := m.TryAcquire(ctx, "web_default", "run3", "n1", "s1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, l3)
}

func TestAcquire_BlocksThenSucceedsOnRelease(t *testing.T) {
	be := memory.New()
	defer be.Close()
	m := New(be)
	ctx := context.Background()

	l1, ok, err := m.TryAcquire(ctx, "web_default", "run1", "n1", "s1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = m.Release(ctx, l1.LeaseID)
	}()

	l2, err := m.Acquire(ctx, "web_default", "run2", "n1", "s1", 1, time.Minute, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, l2)
}

func TestAcquire_TimesOutWithLeaseTimeoutKind(t *testing.T) {
	be := memory.New()
	defer be.Close()
	m := New(be)
	ctx := context.Background()

	_, ok, err := m.TryAcquire(ctx, "web_default", "run1", "n1", "s1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.Acquire(ctx, "web_default", "run2", "n1", "s1", 1, time.Minute, 250*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, orcherr.KindLeaseTimeout, orcherr.KindOf(err))
}

func TestListActive(t *testing.T) {
	be := memory.New()
	defer be.Close()
	m := New(be)
	ctx := context.Background()

	_, ok, err := m.TryAcquire(ctx, "web_default", "run1", "n1", "s1", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := m.ListActive(ctx, "web_default")
	require.NoError(t, err)
	require.Len(t, active, 1)
}
