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

package coordinator_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/store/sqlite"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return coordinator.New(be, logger, coordinator.Config{Retry: coordinator.RetryPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond}})
}

func TestRegisterDefinitionIsIdempotentBySource(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	a, err := c.RegisterDefinition(ctx, "greet", "return 1\n", "")
	require.NoError(t, err)
	b, err := c.RegisterDefinition(ctx, "greet", "return 1\n", "")
	require.NoError(t, err)

	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.VersionHash, b.VersionHash)
}

func TestRegisterDefinitionRejectsParseError(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.RegisterDefinition(context.Background(), "broken", "let x = \n", "")
	require.Error(t, err)
}

func TestRegisterDefinitionRejectsInvalidInputSchemaJSON(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.RegisterDefinition(context.Background(), "greet", "return 1\n", "{not json")
	require.Error(t, err)
}

func TestStartWorkflowBindsLatestDefinition(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RegisterDefinition(ctx, "greet", "return 1\n", "")
	require.NoError(t, err)

	exec, err := c.StartWorkflow(ctx, coordinator.StartWorkflowParams{Name: "greet"})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, exec.Status)
	require.Equal(t, "default", exec.Queue)
	require.Equal(t, 1, exec.MaxAttempts)
}

func TestStartWorkflowValidatesInputsAgainstSchema(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	schema := `{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`
	_, err := c.RegisterDefinition(ctx, "send", "return 1\n", schema)
	require.NoError(t, err)

	_, err = c.StartWorkflow(ctx, coordinator.StartWorkflowParams{Name: "send", Inputs: map[string]any{}})
	require.Error(t, err)

	exec, err := c.StartWorkflow(ctx, coordinator.StartWorkflowParams{Name: "send", Inputs: map[string]any{"to": "a@example.com"}})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, exec.Status)
}

func TestStartWorkflowUnknownNameErrors(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.StartWorkflow(context.Background(), coordinator.StartWorkflowParams{Name: "nope"})
	require.Error(t, err)
}

func TestQueueTaskDefaultsQueueAndAttempts(t *testing.T) {
	c := newTestCoordinator(t)
	exec, err := c.QueueTask(context.Background(), coordinator.QueueTaskParams{TaskName: "send_email"})
	require.NoError(t, err)
	require.Equal(t, "default", exec.Queue)
	require.Equal(t, 1, exec.MaxAttempts)
	require.Equal(t, store.KindTask, exec.Kind)
}

func TestGetAndCancelExecution(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	exec, err := c.QueueTask(ctx, coordinator.QueueTaskParams{TaskName: "noop"})
	require.NoError(t, err)

	got, err := c.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, exec.ID, got.ID)

	ok, err := c.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = c.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, got.Status)
}

func TestFailExecutionRetriesThenTerminates(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	exec, err := c.QueueTask(ctx, coordinator.QueueTaskParams{TaskName: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, c.FailExecution(ctx, exec.ID, "boom", true))
	require.Eventually(t, func() bool {
		got, err := c.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		return got.Status == store.StatusPending && got.Attempt == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.FailExecution(ctx, exec.ID, "boom again", true))
	got, err := c.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
}
