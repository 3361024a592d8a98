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

// Package coordinator is the client-facing layer above Store: it
// assigns IDs and defaults, resolves workflow definitions by name, and
// decides retry timing. The atomic persistence operations themselves
// (claim, complete, fail, suspend, process_timers) live directly on
// store.Store, since their locking strategy is backend-specific;
// Coordinator only ever calls through to them.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/durableflow/flow/internal/dsl"
	"github.com/durableflow/flow/internal/log"
	"github.com/durableflow/flow/internal/metrics"
	"github.com/durableflow/flow/internal/schema"
	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/validator"
	"github.com/durableflow/flow/internal/vm"
	flowerrors "github.com/durableflow/flow/pkg/errors"
)

const defaultQueue = "default"
const defaultMaxAttempts = 1

// Coordinator wires the client API (and the worker loop's settle calls)
// against a store.Store.
type Coordinator struct {
	store     store.Store
	logger    *slog.Logger
	retry     RetryPolicy
	schemaVal schema.Validator
}

// Config controls Coordinator construction.
type Config struct {
	Retry RetryPolicy
}

// New builds a Coordinator over st. A zero Config uses DefaultRetryPolicy.
func New(st store.Store, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.Retry.Base <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Coordinator{store: st, logger: logger, retry: cfg.Retry, schemaVal: schema.NewValidator()}
}

// RegisterDefinition compiles and validates source, then stores it
// content-addressed by (name, version_hash). Calling this again with
// unchanged source is a no-op that returns the existing row. inputSchema
// is an optional JSON Schema document (as raw JSON text) describing the
// shape StartWorkflow's Inputs must take; empty means unvalidated.
func (c *Coordinator) RegisterDefinition(ctx context.Context, name, source, inputSchema string) (*store.WorkflowDefinition, error) {
	prog, err := dsl.Parse(source)
	if err != nil {
		return nil, &flowerrors.ParseError{Message: err.Error()}
	}
	if err := validator.Validate(prog); err != nil {
		return nil, &flowerrors.ValidationError{Message: err.Error()}
	}
	if inputSchema != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(inputSchema), &doc); err != nil {
			return nil, &flowerrors.ValidationError{Message: fmt.Sprintf("input_schema is not valid JSON: %s", err)}
		}
	}
	astBytes, err := json.Marshal(prog)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal ast: %w", err)
	}
	astJSON := string(astBytes)
	def := &store.WorkflowDefinition{
		ID:          uuid.NewString(),
		Name:        name,
		VersionHash: dsl.VersionHash(source),
		Source:      source,
		ParsedAST:   astJSON,
		InputSchema: inputSchema,
	}
	return c.store.PutDefinition(ctx, def)
}

// StartWorkflowParams is the input to StartWorkflow.
type StartWorkflowParams struct {
	Name           string
	VersionHash    string // empty binds to the most recently registered definition under Name
	Inputs         vm.Value
	Queue          string
	MaxAttempts    int
	IdempotencyKey string
}

// StartWorkflow creates a new root workflow execution bound to a
// specific (name, version_hash) definition, or to whatever is most
// recently registered under Name if VersionHash is empty. Idempotent
// when IdempotencyKey is set and reused.
func (c *Coordinator) StartWorkflow(ctx context.Context, p StartWorkflowParams) (*store.Execution, error) {
	var def *store.WorkflowDefinition
	var err error
	if p.VersionHash == "" {
		def, err = c.store.GetLatestDefinitionByName(ctx, p.Name)
	} else {
		def, err = c.store.GetDefinition(ctx, p.Name, p.VersionHash)
	}
	if err != nil {
		return nil, err
	}
	if def.InputSchema != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(def.InputSchema), &doc); err != nil {
			return nil, fmt.Errorf("coordinator: stored input_schema is corrupt: %w", err)
		}
		if err := c.schemaVal.Validate(doc, p.Inputs); err != nil {
			return nil, &flowerrors.ValidationError{Message: err.Error()}
		}
	}
	queue := p.Queue
	if queue == "" {
		queue = defaultQueue
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	id := uuid.NewString()
	if p.IdempotencyKey != "" {
		id = p.IdempotencyKey
	}
	exec, err := c.store.CreateExecution(ctx, store.CreateExecutionParams{
		ID:             id,
		Kind:           store.KindWorkflow,
		TargetName:     def.ID,
		Queue:          queue,
		Inputs:         p.Inputs,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("workflow started", log.String(log.WorkflowIDKey, exec.ID), log.String(log.DefinitionKey, def.Name))
	return exec, nil
}

// QueueTaskParams is the input to QueueTask.
type QueueTaskParams struct {
	TaskName         string
	Inputs           vm.Value
	Queue            string
	MaxAttempts      int
	ParentWorkflowID string
	IdempotencyKey   string
}

// QueueTask enqueues a standalone (non-workflow) task execution.
func (c *Coordinator) QueueTask(ctx context.Context, p QueueTaskParams) (*store.Execution, error) {
	queue := p.Queue
	if queue == "" {
		queue = defaultQueue
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	id := uuid.NewString()
	if p.IdempotencyKey != "" {
		id = p.IdempotencyKey
	}
	return c.store.CreateExecution(ctx, store.CreateExecutionParams{
		ID:               id,
		Kind:             store.KindTask,
		TargetName:       p.TaskName,
		Queue:            queue,
		Inputs:           p.Inputs,
		ParentWorkflowID: p.ParentWorkflowID,
		MaxAttempts:      maxAttempts,
		IdempotencyKey:   p.IdempotencyKey,
	})
}

// GetExecution loads an execution by ID.
func (c *Coordinator) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	return c.store.GetExecution(ctx, id)
}

// ListExecutions proxies to the store's optional lister, if supported.
func (c *Coordinator) ListExecutions(ctx context.Context, filter store.ListFilter) ([]*store.Execution, error) {
	return c.store.ListExecutions(ctx, filter)
}

// CancelExecution cancels a non-terminal execution.
func (c *Coordinator) CancelExecution(ctx context.Context, id string) (bool, error) {
	return c.store.CancelExecution(ctx, id)
}

// DeliverSignal records an external signal payload, waking a suspended
// workflow waiting on it.
func (c *Coordinator) DeliverSignal(ctx context.Context, workflowID, name string, payload vm.Value) error {
	return c.store.DeliverSignal(ctx, workflowID, name, payload)
}

// FailExecution settles a failed attempt. A terminal failure (not
// retryable, or attempt already at max) is written back to the store
// immediately. A retryable failure with attempts remaining is instead
// held for a jittered backoff interval before it is returned to
// pending, so a flapping dependency doesn't get hammered by an instant
// re-claim; the row stays claimed (status running) for the duration of
// the delay. The delay runs detached from ctx so a worker shutting down
// mid-dispatch doesn't cancel its own task's retry.
func (c *Coordinator) FailExecution(ctx context.Context, id string, taskErr vm.Value, retryable bool) error {
	if !retryable {
		return c.store.FailExecution(ctx, id, taskErr, false)
	}
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Attempt+1 >= exec.MaxAttempts {
		return c.store.FailExecution(ctx, id, taskErr, false)
	}
	delay := c.retry.NextBackoff(exec.Attempt)
	metrics.RecordRetryScheduled()
	c.logger.Info("retrying execution after backoff",
		log.String(log.ExecutionIDKey, id),
		log.Duration(log.DurationKey, delay.Milliseconds()),
	)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		if err := c.store.FailExecution(context.Background(), id, taskErr, true); err != nil {
			c.logger.Error("delayed retry requeue failed", log.String(log.ExecutionIDKey, id), log.Error(err))
		}
	}()
	return nil
}
