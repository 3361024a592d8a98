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
	"fmt"
	"net/http"

	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/httputil"
)

// SignalsHandler delivers external signal payloads to suspended workflows.
type SignalsHandler struct {
	coord *coordinator.Coordinator
}

// NewSignalsHandler creates a SignalsHandler.
func NewSignalsHandler(coord *coordinator.Coordinator) *SignalsHandler {
	return &SignalsHandler{coord: coord}
}

// RegisterRoutes registers signal routes on mux.
func (h *SignalsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/signals/{workflow_id}/{name}", h.handleDeliver)
	mux.HandleFunc("POST /v1/signals/{workflow_id}/{$}", h.handleDeliver)
}

func (h *SignalsHandler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	name := r.PathValue("name")
	if workflowID == "" || name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflow_id and name are required")
		return
	}

	var payload any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
			return
		}
	}

	if err := h.coord.DeliverSignal(r.Context(), workflowID, name, payload); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}
