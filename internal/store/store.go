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

// Package store defines the relational persistence surface the
// coordinator and worker loop run against: executions, workflow
// definitions, VM snapshots, timers, and signal deliveries.
//
// # Interface Hierarchy
//
// Like the rest of the persistence-boundary packages in this codebase,
// Store uses interface segregation so a minimal backend only has to
// implement the operations it actually supports:
//
//   - ExecutionStore (core, required): CreateExecution, GetExecution, CancelExecution
//   - ExecutionLister (optional): ListExecutions
//   - ExecutionClaimer (core, required): ClaimExecution, CompleteExecution, FailExecution, RecoverStale
//   - SnapshotStore (core, required): SuspendWorkflow, LoadContext
//   - DefinitionStore (core, required): PutDefinition, GetDefinition, GetDefinitionByID, GetLatestDefinitionByName
//   - TimerStore (core, required): ProcessTimers, GetTimer
//   - SignalStore (core, required): DeliverSignal, PollSignal
//   - io.Closer
//
// Store composes all of these. Both backends (sqlite, postgres)
// implement the full Store; the segregation exists so a future minimal
// backend (e.g. an in-memory one used only in tests) can satisfy a
// narrower dependency.
package store

import (
	"context"
	"io"
	"time"

	"github.com/durableflow/flow/internal/vm"
)

// ExecutionKind identifies what an execution row dispatches to.
type ExecutionKind string

const (
	KindTask             ExecutionKind = "task"
	KindWorkflow         ExecutionKind = "workflow"
	KindBuiltinResume    ExecutionKind = "builtin.resume_workflow"
	KindBuiltinDelay     ExecutionKind = "builtin.delay_complete"
)

// ExecutionStatus is the lifecycle state of an Execution row.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuspended ExecutionStatus = "suspended"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Execution is a unit of work claimed and run by a worker: an ordinary
// task dispatch, a workflow (VM-driven) execution, or a builtin.
type Execution struct {
	ID               string
	Kind             ExecutionKind
	TargetName       string
	Queue            string
	Status           ExecutionStatus
	Inputs           vm.Value
	Output           vm.Value
	ParentWorkflowID string // empty if orphaned
	Attempt          int
	MaxAttempts      int
	ClaimedBy        string
	ClaimedAt        *time.Time
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// CreateExecutionParams is the input to CreateExecution.
type CreateExecutionParams struct {
	ID               string // caller-assigned; lets leaf creation be idempotent across retries
	Kind             ExecutionKind
	TargetName       string
	Queue            string
	Inputs           vm.Value
	ParentWorkflowID string
	MaxAttempts      int
	IdempotencyKey   string
}

// ListFilter narrows ListExecutions.
type ListFilter struct {
	Status     ExecutionStatus
	Kind       ExecutionKind
	TargetName string
	Limit      int
	Offset     int
}

// NewLeaf describes one child row to materialize atomically alongside
// a suspended VM snapshot: a dispatched task/sub-workflow execution, a
// timer, or a signal wait. Exactly one of the kind-specific fields is
// meaningful, selected by Kind.
type NewLeaf struct {
	ID      string
	Kind    vm.LeafKind
	Task    string // LeafRun: task name. LeafSubWorkflow: workflow name.
	Queue   string
	Inputs  vm.Value
	DelayMS int64  // LeafDelay
	Signal  string // LeafSignal
}

// WorkflowDefinition is the compiled, immutable form of a .flow file.
// New source content always produces a new row; existing executions
// stay bound to the version_hash they were created with.
type WorkflowDefinition struct {
	ID          string
	Name        string
	VersionHash string
	Source      string
	ParsedAST   string // JSON-serialized dsl.Program
	InputSchema string // JSON-serialized schema document; empty means unvalidated
	CreatedAt   time.Time
}

// WorkflowExecutionContext is the per-execution VM snapshot row.
type WorkflowExecutionContext struct {
	ExecutionID  string
	DefinitionID string
	Snapshot     vm.Snapshot
	UpdatedAt    time.Time
}

// TimerTask is a pending wall-clock event created by Time.delay.
type TimerTask struct {
	ID         string
	FireAt     time.Time
	WorkflowID string
	Metadata   vm.Value
}

// ErrNotFound is returned by single-row lookups that find no row.
// Backends must return this sentinel (or an error satisfying
// errors.Is against it) rather than a backend-specific not-found type,
// so callers in coordinator/worker can branch on it uniformly.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "store: not found" }

// ExecutionStore is the minimal execution persistence surface.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, params CreateExecutionParams) (*Execution, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	CancelExecution(ctx context.Context, id string) (bool, error)
}

// ExecutionLister is an optional interface for querying executions.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter ListFilter) ([]*Execution, error)
}

// ExecutionClaimer is the worker-facing claim/settle protocol. Every
// method here is a single atomic store operation; callers never wrap
// them in an outer transaction.
type ExecutionClaimer interface {
	// ClaimExecution atomically selects and claims one pending row
	// whose queue is in queues, oldest first, using row-level locking
	// with skip-locked semantics so concurrent claimers never block
	// each other. Returns ErrNotFound if nothing is claimable.
	ClaimExecution(ctx context.Context, workerID string, queues []string, now time.Time) (*Execution, error)

	// CompleteExecution marks id completed with output. If the row has
	// a parent workflow, a builtin.resume_workflow execution targeting
	// the parent is enqueued in the same transaction.
	CompleteExecution(ctx context.Context, id string, output vm.Value) error

	// FailExecution marks id failed with taskErr, or — if retryable and
	// attempt+1 < max_attempts (attempt counts prior retries from 0, so
	// max_attempts is the total number of runs) — re-queues it as
	// pending with attempt incremented. A terminal failure with a parent enqueues a resume
	// exactly like CompleteExecution.
	FailExecution(ctx context.Context, id string, taskErr vm.Value, retryable bool) error

	// RecoverStale returns claimed_by rows whose claimed_at is older
	// than olderThan to pending, for the recovery sweep.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
}

// SnapshotStore persists and reloads VM suspension state.
type SnapshotStore interface {
	// SuspendWorkflow stores the snapshot and creates every leaf row in
	// one transaction, and sets the execution's status to suspended.
	// Leaf creation is idempotent (INSERT ... ON CONFLICT DO NOTHING
	// keyed by leaf ID) so replaying the same suspension after a crash
	// never double-dispatches a child.
	SuspendWorkflow(ctx context.Context, executionID, definitionID string, snapshot vm.Snapshot, leaves []NewLeaf) error

	// LoadContext returns the current VM snapshot for executionID, or
	// ErrNotFound if the workflow has never yet suspended.
	LoadContext(ctx context.Context, executionID string) (*WorkflowExecutionContext, error)
}

// DefinitionStore manages compiled workflow definitions.
type DefinitionStore interface {
	// PutDefinition inserts a new (name, version_hash) row, or returns
	// the existing one unchanged if that pair already exists.
	PutDefinition(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error)
	GetDefinition(ctx context.Context, name, versionHash string) (*WorkflowDefinition, error)
	GetDefinitionByID(ctx context.Context, id string) (*WorkflowDefinition, error)

	// GetLatestDefinitionByName returns the most recently registered
	// definition row under name, for Workflow.start(name, ...) calls that
	// bind to "whatever is current" rather than a caller-pinned version.
	GetLatestDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error)
}

// TimerStore processes expired Time.delay leaves.
type TimerStore interface {
	// ProcessTimers deletes every timer with fire_at <= now and enqueues
	// a builtin.resume_workflow for its owning workflow, one transaction
	// per timer. Returns the number of timers fired.
	ProcessTimers(ctx context.Context, now time.Time) (int, error)

	// GetTimer returns the still-pending timer row for id, or ErrNotFound
	// once it has fired (fireTimer deletes the row) — the worker uses the
	// absence of a row as the "this Time.delay leaf settled" signal when
	// resolving an AwaitPlan.
	GetTimer(ctx context.Context, id string) (*TimerTask, error)
}

// SignalStore records and polls external signal deliveries.
type SignalStore interface {
	// DeliverSignal records a signal payload for workflowID/name and, if
	// a workflow is suspended waiting on it, enqueues its resume.
	DeliverSignal(ctx context.Context, workflowID, name string, payload vm.Value) error

	// PollSignal reports whether a delivery is present for
	// workflowID/name, and its payload if so.
	PollSignal(ctx context.Context, workflowID, name string) (vm.Value, bool, error)
}

// Store is the full persistence surface used by the coordinator and
// worker loop.
type Store interface {
	ExecutionStore
	ExecutionLister
	ExecutionClaimer
	SnapshotStore
	DefinitionStore
	TimerStore
	SignalStore
	io.Closer
}
