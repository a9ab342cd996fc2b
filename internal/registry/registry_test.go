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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/backend/memory"
)

func TestFindCapableAgent_MatchesOnlineAndCapability(t *testing.T) {
	be := memory.New()
	defer be.Close()
	r := New(be)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{
		AgentID: "a1", Channel: "web", Status: "online",
		ConcurrencyLimit: 1, ResourceKey: "web_default",
		Capabilities: []string{"navigate"},
	}))
	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{
		AgentID: "a2", Channel: "web", Status: "offline",
		ConcurrencyLimit: 1, ResourceKey: "web_default",
	}))

	found, ok, err := r.FindCapableAgent(ctx, "web", "navigate")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a1", found.AgentID)

	_, ok, err = r.FindCapableAgent(ctx, "web", "click")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindCapableAgent_WildcardCapability(t *testing.T) {
	be := memory.New()
	defer be.Close()
	r := New(be)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{
		AgentID: "a1", Channel: "desktop", Status: "online", Capabilities: []string{"*"},
	}))

	_, ok, err := r.FindCapableAgent(ctx, "desktop", "anything")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFindCapableAgent_CircuitOpenExcludes(t *testing.T) {
	be := memory.New()
	defer be.Close()
	r := New(be)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{
		AgentID: "a1", Channel: "web", Status: "online", CircuitOpenAt: &now,
	}))

	_, ok, err := r.FindCapableAgent(ctx, "web", "navigate")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindCapableAgent_CircuitOpenExpires(t *testing.T) {
	be := memory.New()
	defer be.Close()
	r := New(be)
	ctx := context.Background()

	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{
		AgentID: "a1", Channel: "web", Status: "online", CircuitOpenAt: &stale,
	}))

	_, ok, err := r.FindCapableAgent(ctx, "web", "navigate")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecordFailure_OpensCircuitAtThreshold(t *testing.T) {
	be := memory.New()
	defer be.Close()
	r := New(be)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{AgentID: "a1", Channel: "web", Status: "online"}))

	require.NoError(t, r.RecordFailure(ctx, "a1", 0))
	require.NoError(t, r.RecordFailure(ctx, "a1", 1))
	agent, err := be.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Nil(t, agent.CircuitOpenAt)

	require.NoError(t, r.RecordFailure(ctx, "a1", 2))
	agent, err = be.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, agent.CircuitOpenAt)
}

func TestRecordSuccess_ResetsFailures(t *testing.T) {
	be := memory.New()
	defer be.Close()
	r := New(be)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &backend.AgentInstance{AgentID: "a1", Channel: "web", Status: "online", ConsecutiveFailures: 2}))
	require.NoError(t, r.RecordSuccess(ctx, "a1"))

	agent, err := be.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 0, agent.ConsecutiveFailures)
}
