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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/adapter"
	"github.com/durableflow/flow/internal/api"
	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/store/sqlite"
)

// testServer builds a Router with every resource handler wired against a
// fresh in-memory store, the same composition cmd/flowd performs at
// startup.
func testServer(t *testing.T) (*api.Router, *coordinator.Coordinator, *adapter.Registry) {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := coordinator.New(be, logger, coordinator.Config{})
	reg := adapter.NewRegistry()

	r := api.NewRouter(api.Config{Version: "test", Commit: "abc123"}, logger)
	api.NewWorkflowsHandler(coord).RegisterRoutes(r.Mux())
	api.NewExecutionsHandler(coord).RegisterRoutes(r.Mux())
	api.NewSignalsHandler(coord).RegisterRoutes(r.Mux())
	api.NewTasksHandler(reg).RegisterRoutes(r.Mux())
	return r, coord, reg
}

func doRequest(t *testing.T, r *api.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	r, _, _ := testServer(t)

	rec := doRequest(t, r, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodGet, "/v1/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "test", body["version"])
	require.Equal(t, "abc123", body["commit"])
}

func TestRegisterAndStartWorkflow(t *testing.T) {
	r, _, _ := testServer(t)

	rec := doRequest(t, r, http.MethodPost, "/v1/workflows", map[string]any{
		"name":   "greet",
		"source": "return 1\n",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, r, http.MethodPost, "/v1/workflows/greet/executions", map[string]any{
		"inputs": map[string]any{},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var exec struct {
		ID     string
		Status string
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	require.NotEmpty(t, exec.ID)
	require.Equal(t, "pending", exec.Status)
}

func TestRegisterWorkflowRejectsMissingFields(t *testing.T) {
	r, _, _ := testServer(t)
	rec := doRequest(t, r, http.MethodPost, "/v1/workflows", map[string]any{"name": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartUnregisteredWorkflowReturns404(t *testing.T) {
	r, _, _ := testServer(t)
	rec := doRequest(t, r, http.MethodPost, "/v1/workflows/nope/executions", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndCancelExecution(t *testing.T) {
	r, coord, _ := testServer(t)
	exec, err := coord.QueueTask(context.Background(), coordinator.QueueTaskParams{TaskName: "noop"})
	require.NoError(t, err)

	rec := doRequest(t, r, http.MethodGet, "/v1/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodPost, "/v1/executions/"+exec.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodPost, "/v1/executions/"+exec.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownExecutionReturns404(t *testing.T) {
	r, _, _ := testServer(t)
	rec := doRequest(t, r, http.MethodGet, "/v1/executions/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutions(t *testing.T) {
	r, coord, _ := testServer(t)
	_, err := coord.QueueTask(context.Background(), coordinator.QueueTaskParams{TaskName: "a"})
	require.NoError(t, err)
	_, err = coord.QueueTask(context.Background(), coordinator.QueueTaskParams{TaskName: "b"})
	require.NoError(t, err)

	rec := doRequest(t, r, http.MethodGet, "/v1/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
}

func TestDeliverSignal(t *testing.T) {
	r, _, _ := testServer(t)
	rec := doRequest(t, r, http.MethodPost, "/v1/signals/wf-1/approved", map[string]any{"ok": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDeliverSignalRequiresName(t *testing.T) {
	r, _, _ := testServer(t)
	rec := doRequest(t, r, http.MethodPost, "/v1/signals/wf-1/", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTasksRegisterAndList(t *testing.T) {
	r, _, reg := testServer(t)

	rec := doRequest(t, r, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body["tasks"])

	rec = doRequest(t, r, http.MethodPost, "/v1/tasks/send_email/register", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Contains(t, reg.Names(), "send_email")

	rec = doRequest(t, r, http.MethodGet, "/v1/tasks", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	tasks, _ := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	require.Equal(t, "send_email", tasks[0])
}

func TestRequestGetsRequestIDHeader(t *testing.T) {
	r, _, _ := testServer(t)
	rec := doRequest(t, r, http.MethodGet, "/v1/health", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
