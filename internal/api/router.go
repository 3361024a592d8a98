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

// Package api is the HTTP control plane for flowd: a thin JSON client
// of the coordinator. It never touches a Store directly and carries no
// workflow semantics of its own — every handler decodes its request,
// calls into internal/coordinator (TasksHandler calls the adapter
// registry instead), and encodes the result.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/durableflow/flow/internal/httputil"
	"github.com/durableflow/flow/internal/log"
)

// Config holds the router's self-reported identity for /v1/version.
type Config struct {
	Version string
	Commit  string
}

// MetricsHandler serves the Prometheus scrape endpoint, if wired.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux            *http.ServeMux
	cfg            Config
	logger         *slog.Logger
	metricsHandler MetricsHandler
}

// NewRouter builds a Router with the health/version endpoints registered.
// Resource handlers (workflows, executions, tasks, signals) register themselves
// via RegisterRoutes.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	r := &Router{mux: http.NewServeMux(), cfg: cfg, logger: logger}
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	return r
}

// SetMetricsHandler mounts a Prometheus handler at GET /metrics.
func (r *Router) SetMetricsHandler(h MetricsHandler) {
	r.metricsHandler = h
	if h != nil {
		r.mux.HandleFunc("GET /metrics", h.ServeHTTP)
	}
}

// Mux returns the underlying ServeMux so resource handlers can register
// additional routes on it.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler, wrapping every request in a
// request-ID-tagged access log line.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requestID := req.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	logger := log.WithComponent(r.logger, "api")
	r.mux.ServeHTTP(w, req)

	logger.Info("request completed",
		log.String("request_id", requestID),
		log.String("method", req.Method),
		log.String("path", req.URL.Path),
		log.Duration(log.DurationKey, time.Since(start).Milliseconds()),
	)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version": r.cfg.Version,
		"commit":  r.cfg.Commit,
	})
}
