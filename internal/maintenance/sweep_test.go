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

package maintenance_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/maintenance"
	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/store/sqlite"
	"github.com/durableflow/flow/internal/vm"
)

func newTestStore(t *testing.T) *sqlite.Backend {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func TestSweeperFiresExpiredTimers(t *testing.T) {
	be := newTestStore(t)
	ctx := context.Background()

	exec, err := be.CreateExecution(ctx, store.CreateExecutionParams{ID: "wf-1", Kind: store.KindWorkflow, TargetName: "def-1", Queue: "default"})
	require.NoError(t, err)
	require.NoError(t, be.SuspendWorkflow(ctx, exec.ID, "def-1", vm.Snapshot{}, []store.NewLeaf{
		{ID: "timer-1", Kind: vm.LeafDelay, DelayMS: 0},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := maintenance.New(be, logger, maintenance.Config{TimerInterval: 10 * time.Millisecond, RecoveryInterval: time.Hour})

	sweepCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	go s.Run(sweepCtx)

	require.Eventually(t, func() bool {
		_, err := be.GetTimer(ctx, "timer-1")
		return err == store.ErrNotFound
	}, 400*time.Millisecond, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := be.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		return got.Status == store.StatusPending
	}, 400*time.Millisecond, 10*time.Millisecond)
}

func TestSweeperRecoversStaleClaims(t *testing.T) {
	be := newTestStore(t)
	ctx := context.Background()

	exec, err := be.CreateExecution(ctx, store.CreateExecutionParams{ID: "task-1", Kind: store.KindTask, TargetName: "noop", Queue: "default"})
	require.NoError(t, err)

	_, err = be.ClaimExecution(ctx, "dead-worker", []string{"default"}, time.Now())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := maintenance.New(be, logger, maintenance.Config{TimerInterval: time.Hour, RecoveryInterval: 10 * time.Millisecond, StaleAfter: 20 * time.Millisecond})

	sweepCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	go s.Run(sweepCtx)

	require.Eventually(t, func() bool {
		got, err := be.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		return got.Status == store.StatusPending && got.ClaimedBy == ""
	}, 400*time.Millisecond, 10*time.Millisecond)
}
