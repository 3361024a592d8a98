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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/httputil"
	"github.com/durableflow/flow/internal/store"
	flowerrors "github.com/durableflow/flow/pkg/errors"
)

// WorkflowsHandler serves definition registration and workflow starts.
type WorkflowsHandler struct {
	coord *coordinator.Coordinator
}

// NewWorkflowsHandler creates a WorkflowsHandler.
func NewWorkflowsHandler(coord *coordinator.Coordinator) *WorkflowsHandler {
	return &WorkflowsHandler{coord: coord}
}

// RegisterRoutes registers workflow routes on mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/workflows", h.handleRegister)
	mux.HandleFunc("POST /v1/workflows/{name}/executions", h.handleStart)
}

// registerRequest is the body of POST /v1/workflows.
type registerRequest struct {
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func (h *WorkflowsHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Name == "" || req.Source == "" {
		httputil.WriteError(w, http.StatusBadRequest, "name and source are required")
		return
	}

	def, err := h.coord.RegisterDefinition(r.Context(), req.Name, req.Source, string(req.InputSchema))
	if err != nil {
		var parseErr *flowerrors.ParseError
		var validationErr *flowerrors.ValidationError
		switch {
		case errors.As(err, &parseErr), errors.As(err, &validationErr):
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
		default:
			httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, def)
}

// startRequest is the body of POST /v1/workflows/{name}/executions.
type startRequest struct {
	VersionHash    string `json:"version_hash,omitempty"`
	Inputs         any    `json:"inputs,omitempty"`
	Queue          string `json:"queue,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (h *WorkflowsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflow name required")
		return
	}

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	exec, err := h.coord.StartWorkflow(r.Context(), coordinator.StartWorkflowParams{
		Name:           name,
		VersionHash:    req.VersionHash,
		Inputs:         req.Inputs,
		Queue:          req.Queue,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("workflow %q not registered", name))
			return
		}
		var validationErr *flowerrors.ValidationError
		if errors.As(err, &validationErr) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, exec)
}
