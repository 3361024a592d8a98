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

package api

import (
	"context"
	"net/http"

	"github.com/durableflow/flow/internal/adapter"
	"github.com/durableflow/flow/internal/httputil"
	"github.com/durableflow/flow/internal/vm"
)

// TasksHandler registers stub task adapters against a running flowd's
// in-process registry, and lists what is currently registered. It
// exists for local development: a workflow author who hasn't written
// the Go adapter for a task name yet can stand one up with a single
// call, get back whatever inputs it was given, and keep testing the
// .flow program's control flow while the real adapter is built.
type TasksHandler struct {
	registry *adapter.Registry
}

// NewTasksHandler creates a TasksHandler over registry.
func NewTasksHandler(registry *adapter.Registry) *TasksHandler {
	return &TasksHandler{registry: registry}
}

// RegisterRoutes registers task routes on mux.
func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tasks", h.handleList)
	mux.HandleFunc("POST /v1/tasks/{name}/register", h.handleRegisterStub)
}

func (h *TasksHandler) handleList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"tasks": h.registry.Names(),
	})
}

// handleRegisterStub binds name to a stub TaskFunc that echoes its
// inputs back as its output, replacing any previous binding (including
// a real one — registering a stub over a production task is always the
// caller's call to make).
func (h *TasksHandler) handleRegisterStub(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "task name required")
		return
	}
	h.registry.Register(name, stubTask)
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"name":   name,
		"status": "registered",
		"kind":   "stub",
	})
}

func stubTask(_ context.Context, inputs []vm.Value) (vm.Value, error) {
	return map[string]vm.Value{"stub": true, "inputs": inputs}, nil
}
