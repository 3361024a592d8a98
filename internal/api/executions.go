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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/httputil"
	"github.com/durableflow/flow/internal/store"
)

// ExecutionsHandler serves execution lookups, listing, and cancellation.
type ExecutionsHandler struct {
	coord *coordinator.Coordinator
}

// NewExecutionsHandler creates an ExecutionsHandler.
func NewExecutionsHandler(coord *coordinator.Coordinator) *ExecutionsHandler {
	return &ExecutionsHandler{coord: coord}
}

// RegisterRoutes registers execution routes on mux.
func (h *ExecutionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/executions", h.handleList)
	mux.HandleFunc("GET /v1/executions/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", h.handleCancel)
}

func (h *ExecutionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "execution id required")
		return
	}
	exec, err := h.coord.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("execution %q not found", id))
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, exec)
}

func (h *ExecutionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:     store.ExecutionStatus(q.Get("status")),
		Kind:       store.ExecutionKind(q.Get("kind")),
		TargetName: q.Get("target_name"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filter.Offset = n
		}
	}

	execs, err := h.coord.ListExecutions(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (h *ExecutionsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "execution id required")
		return
	}
	cancelled, err := h.coord.CancelExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("execution %q not found", id))
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		httputil.WriteError(w, http.StatusConflict, "execution is already terminal")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
