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

package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend/memory"
)

func TestStartThenSucceed_CachedResultReturned(t *testing.T) {
	be := memory.New()
	defer be.Close()
	l := New(be)
	ctx := context.Background()

	rec, err := l.Start(ctx, "run1", "n1", "s1")
	require.NoError(t, err)
	require.Equal(t, StatusStarted, rec.Status)

	require.NoError(t, l.Succeed(ctx, "run1", "n1", "s1", map[string]any{"ok": true}))

	result, ok, err := l.CachedResult(ctx, "run1", "n1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCachedResult_NoRecordYieldsFalse(t *testing.T) {
	be := memory.New()
	defer be.Close()
	l := New(be)

	_, ok, err := l.CachedResult(context.Background(), "run1", "n1", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFail_DoesNotCountAsCached(t *testing.T) {
	be := memory.New()
	defer be.Close()
	l := New(be)
	ctx := context.Background()

	_, err := l.Start(ctx, "run1", "n1", "s1")
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, "run1", "n1", "s1", "boom"))

	_, ok, err := l.CachedResult(ctx, "run1", "n1", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStart_ReturnsExistingRecordOnReplay(t *testing.T) {
	be := memory.New()
	defer be.Close()
	l := New(be)
	ctx := context.Background()

	_, err := l.Start(ctx, "run1", "n1", "s1")
	require.NoError(t, err)
	require.NoError(t, l.Succeed(ctx, "run1", "n1", "s1", "done"))

	rec, err := l.Start(ctx, "run1", "n1", "s1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, rec.Status)
}
