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

// Package adapter is the host-function boundary between a `task` leaf
// and the Go code that actually implements it. A .flow program never
// sees task bodies — Task.run("send_email", args) only ever produces a
// deterministic leaf ID and dispatches an `executions` row naming
// "send_email"; this package is where that name is resolved to a
// callable.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/durableflow/flow/internal/vm"
)

// TaskFunc implements one named task. inputs is the JSON-shaped value
// array the workflow passed to Task.run; the returned Value becomes the
// leaf's resolved result (or, on error, its thrown failure).
type TaskFunc func(ctx context.Context, inputs []vm.Value) (vm.Value, error)

// TaskAdapter resolves a task name to its implementation. It is the
// interface the worker loop depends on; Registry is the only
// implementation this repository ships, but a caller embedding the
// engine can supply its own (e.g. one backed by a plugin host).
type TaskAdapter interface {
	Dispatch(ctx context.Context, name string, inputs []vm.Value) (vm.Value, error)
}

// Registry is a TaskAdapter backed by an in-process name→TaskFunc map.
// Safe for concurrent Register and Dispatch calls.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Dispatch calls the task bound to name, or returns an error if no task
// was ever registered under it.
func (r *Registry) Dispatch(ctx context.Context, name string, inputs []vm.Value) (vm.Value, error) {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: no task registered for %q", name)
	}
	return fn(ctx, inputs)
}

// Names returns every currently registered task name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	return names
}
