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

package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/backend/memory"
)

func mustCreateRun(t *testing.T, be *memory.Backend, id, status string, completedAt *time.Time) {
	t.Helper()
	require.NoError(t, be.CreateRun(context.Background(), &backend.Run{
		ID:          id,
		WorkflowID:  "proc1",
		Status:      status,
		CompletedAt: completedAt,
	}))
}

func TestSweep_DeletesTerminalRunsPastHorizon(t *testing.T) {
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-1 * time.Minute)
	mustCreateRun(t, be, "old-completed", "completed", &old)
	mustCreateRun(t, be, "old-failed", "failed", &old)
	mustCreateRun(t, be, "recent-completed", "completed", &recent)
	mustCreateRun(t, be, "still-running", "running", nil)
	mustCreateRun(t, be, "waiting-approval", "waiting_approval", nil)

	s := New(Config{Horizon: 24 * time.Hour, BatchSize: 100}, be)
	deleted, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = be.GetRun(context.Background(), "old-completed")
	require.Error(t, err)
	_, err = be.GetRun(context.Background(), "old-failed")
	require.Error(t, err)

	run, err := be.GetRun(context.Background(), "recent-completed")
	require.NoError(t, err)
	require.Equal(t, "recent-completed", run.ID)

	run, err = be.GetRun(context.Background(), "still-running")
	require.NoError(t, err)
	require.Equal(t, "still-running", run.ID)
}

func TestSweep_SkipsRunsWithNoCompletedAt(t *testing.T) {
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })

	mustCreateRun(t, be, "completed-no-timestamp", "completed", nil)

	s := New(Config{Horizon: time.Hour}, be)
	deleted, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, deleted)

	_, err = be.GetRun(context.Background(), "completed-no-timestamp")
	require.NoError(t, err)
}

type fakeElector struct{ leader bool }

func (f *fakeElector) IsLeader() bool { return f.leader }

func TestSweeper_RunSkipsTickWhenNotLeader(t *testing.T) {
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })

	old := time.Now().Add(-48 * time.Hour)
	mustCreateRun(t, be, "old-completed", "completed", &old)

	elector := &fakeElector{leader: false}
	s := New(Config{Interval: 10 * time.Millisecond, Horizon: 24 * time.Hour}, be, WithElector(elector))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	_, err := be.GetRun(context.Background(), "old-completed")
	require.NoError(t, err, "non-leader sweeper must not delete runs")
}

func TestSweeper_RunSweepsWhenLeader(t *testing.T) {
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })

	old := time.Now().Add(-48 * time.Hour)
	mustCreateRun(t, be, "old-completed", "completed", &old)

	elector := &fakeElector{leader: true}
	s := New(Config{Interval: 10 * time.Millisecond, Horizon: 24 * time.Hour}, be, WithElector(elector))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	_, err := be.GetRun(context.Background(), "old-completed")
	require.Error(t, err)
}
