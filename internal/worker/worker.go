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

// Package worker is the claim loop: a bounded pool of goroutines that
// repeatedly claim one execution row, dispatch it by kind, and settle
// it. A task dispatches straight to the adapter registry. A workflow
// (fresh start or builtin.resume_workflow) drives the VM forward one
// Run call and persists whatever it produced — a suspension, a
// completion, or a terminal failure.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/durableflow/flow/internal/adapter"
	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/dsl"
	"github.com/durableflow/flow/internal/log"
	"github.com/durableflow/flow/internal/metrics"
	"github.com/durableflow/flow/internal/stdlib"
	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/vm"
	flowerrors "github.com/durableflow/flow/pkg/errors"
)

// Config controls a Worker's pool shape and polling cadence.
type Config struct {
	ID          string // worker identity recorded on claimed_by; defaults to a generated id
	Queues      []string
	Concurrency int
	// PollRate bounds how often an idle goroutine re-attempts a claim
	// when the last attempt found nothing, so an empty queue doesn't
	// spin a pool of goroutines against the store.
	PollRate rate.Limit
}

// Worker runs Config.Concurrency claim-loop goroutines against a
// store.Store, dispatching tasks to an adapter.TaskAdapter and
// workflows through the VM.
type Worker struct {
	store   store.Store
	coord   *coordinator.Coordinator
	adapter adapter.TaskAdapter
	logger  *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

// New builds a Worker. A zero-value Concurrency defaults to 1; a
// zero-value PollRate defaults to 5 attempts/sec.
func New(st store.Store, coord *coordinator.Coordinator, ad adapter.TaskAdapter, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = 5
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default", "system"}
	}
	return &Worker{
		store:   st,
		coord:   coord,
		adapter: ad,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.PollRate, 1),
	}
}

// Run blocks, driving Config.Concurrency claim-loop goroutines until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-%d", w.cfg.ID, i)
		go func() {
			defer wg.Done()
			w.loop(ctx, slot)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		exec, err := w.store.ClaimExecution(ctx, workerID, w.cfg.Queues, time.Now())
		if err == store.ErrNotFound {
			metrics.RecordClaimEmpty()
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}
		if err != nil {
			w.logger.Error("claim failed", log.String("worker_id", workerID), log.Error(err))
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}
		metrics.RecordClaim(exec.Queue, string(exec.Kind))
		w.dispatch(ctx, exec)
	}
}

func (w *Worker) dispatch(ctx context.Context, exec *store.Execution) {
	logger := w.logger.With(slog.String(log.ExecutionIDKey, exec.ID), slog.String(log.QueueKey, exec.Queue))
	start := time.Now()
	switch exec.Kind {
	case store.KindTask:
		w.dispatchTask(ctx, exec, logger, start)
	case store.KindWorkflow, store.KindBuiltinResume:
		w.dispatchWorkflow(ctx, exec, logger, start)
	default:
		logger.Error("unknown execution kind", log.String(log.EventKey, string(exec.Kind)))
	}
}

func (w *Worker) dispatchTask(ctx context.Context, exec *store.Execution, logger *slog.Logger, start time.Time) {
	args, _ := exec.Inputs.([]vm.Value)
	out, err := w.adapter.Dispatch(ctx, exec.TargetName, args)
	if err != nil {
		taskErr := (&flowerrors.TaskError{Kind: "TaskError", Message: err.Error()}).Error()
		logger.Warn("task dispatch failed", log.Error(err))
		if ferr := w.coord.FailExecution(ctx, exec.ID, map[string]vm.Value{"kind": "TaskError", "message": taskErr}, true); ferr != nil {
			logger.Error("fail_execution failed", log.Error(ferr))
		}
		metrics.RecordSettle(string(exec.Kind), "failed", time.Since(start))
		return
	}
	if err := w.store.CompleteExecution(ctx, exec.ID, out); err != nil {
		logger.Error("complete_execution failed", log.Error(err))
	}
	metrics.RecordSettle(string(exec.Kind), "completed", time.Since(start))
}

// dispatchWorkflow resumes (or starts) the VM for a workflow execution
// and persists whatever Run produces. For a builtin.resume_workflow
// claim, exec itself is a disposable signal row: the real workflow
// execution id is exec.TargetName, and the builtin row is always
// marked completed once handled, independent of how the underlying
// workflow settles.
func (w *Worker) dispatchWorkflow(ctx context.Context, exec *store.Execution, logger *slog.Logger, start time.Time) {
	isResume := exec.Kind == store.KindBuiltinResume
	workflowID := exec.ID
	if isResume {
		workflowID = exec.TargetName
	}

	machine, def, err := w.loadVM(ctx, exec, workflowID, isResume)
	if err != nil {
		// Fail (and retry, if budget allows) the claimed row itself —
		// for a fresh start that's the workflow execution; for a resume
		// it's the disposable builtin row, whose own retry re-attempts
		// loading the same (unsettled) plan rather than dropping it.
		errVal := map[string]vm.Value{"kind": "InternalError", "message": err.Error()}
		if ferr := w.coord.FailExecution(ctx, exec.ID, errVal, true); ferr != nil {
			logger.Error("fail_execution failed", log.Error(ferr))
		}
		metrics.RecordSettle(string(exec.Kind), "load_error", time.Since(start))
		return
	}
	if machine == nil {
		// Plan not yet ready to resolve (e.g. a Task.all still waiting
		// on other leaves) — mark this resume attempt done; the next
		// leaf to settle enqueues a fresh one.
		if isResume {
			if cerr := w.store.CompleteExecution(ctx, exec.ID, nil); cerr != nil {
				logger.Error("complete builtin resume row failed", log.Error(cerr))
			}
		}
		metrics.RecordSettle(string(exec.Kind), "not_ready", time.Since(start))
		return
	}

	res := machine.Run()
	w.settle(ctx, workflowID, def, machine, res, logger)
	metrics.RecordSettle(string(exec.Kind), string(res.Status), time.Since(start))
	if isResume {
		if cerr := w.store.CompleteExecution(ctx, exec.ID, nil); cerr != nil {
			logger.Error("complete builtin resume row failed", log.Error(cerr))
		}
	}
}

// loadVM builds the VM to run next. For a fresh workflow start it is a
// brand new VM. For a resume it loads the persisted snapshot, resolves
// every leaf of the pending AwaitCapsule against the current store
// state, and feeds the combined result back via ResolveAwait — or
// returns a nil VM if the plan isn't fully settled yet.
func (w *Worker) loadVM(ctx context.Context, exec *store.Execution, workflowID string, isResume bool) (*vm.VM, *store.WorkflowDefinition, error) {
	if !isResume {
		def, err := w.resolveDefinition(ctx, exec.TargetName)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve definition: %w", err)
		}
		prog, err := dsl.Parse(def.Source)
		if err != nil {
			return nil, nil, fmt.Errorf("parse definition: %w", err)
		}
		builtins := w.builtinsFor(exec.ID, def)
		return vm.New(prog, def.ID, exec.Inputs, exec.ID, def.Name, builtins), def, nil
	}

	wfCtx, err := w.store.LoadContext(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("load context: %w", err)
	}
	def, err := w.store.GetDefinitionByID(ctx, wfCtx.DefinitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load definition: %w", err)
	}
	prog, err := dsl.Parse(def.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("parse definition: %w", err)
	}
	builtins := w.builtinsFor(workflowID, def)
	machine := vm.Resume(prog, wfCtx.Snapshot, builtins)

	if wfCtx.Snapshot.AwaitCapsule == nil {
		// Nothing pending; a stray resume (e.g. a race between two
		// signals). Drive it forward as-is.
		return machine, def, nil
	}
	result, rerr, ready, err := w.resolvePlan(ctx, workflowID, wfCtx.Snapshot.AwaitCapsule.Plan)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve plan: %w", err)
	}
	if !ready {
		return nil, def, nil
	}
	machine.ResolveAwait(result, rerr)
	return machine, def, nil
}

func (w *Worker) resolveDefinition(ctx context.Context, targetName string) (*store.WorkflowDefinition, error) {
	def, err := w.store.GetDefinitionByID(ctx, targetName)
	if err == nil {
		return def, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return w.store.GetLatestDefinitionByName(ctx, targetName)
}

func (w *Worker) builtinsFor(executionID string, def *store.WorkflowDefinition) *stdlib.Builtins {
	var n int
	return stdlib.New(&stdlib.ExecutionContext{
		ExecutionID:     executionID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.VersionHash,
		NextLeafOrdinal: func() int {
			n++
			return n - 1
		},
	})
}

// resolvePlan evaluates every leaf of plan against current store state
// and, per plan.Policy, decides whether the plan has settled and what
// its combined resolved value (or rejection) is. ready is false when
// the policy's resolution condition isn't met yet by any leaf.
func (w *Worker) resolvePlan(ctx context.Context, workflowID string, plan vm.AwaitPlan) (vm.Value, *vm.RuntimeError, bool, error) {
	type leafState struct {
		done  bool
		value vm.Value
		rerr  *vm.RuntimeError
	}
	states := make([]leafState, len(plan.Leaves))
	for i, leaf := range plan.Leaves {
		value, rerr, done, err := w.resolveLeaf(ctx, workflowID, leaf)
		if err != nil {
			return nil, nil, false, err
		}
		states[i] = leafState{done: done, value: value, rerr: rerr}
	}

	switch plan.Policy {
	case vm.PolicySingle:
		s := states[0]
		if !s.done {
			return nil, nil, false, nil
		}
		return s.value, s.rerr, true, nil

	case vm.PolicyAll:
		values := make([]vm.Value, len(states))
		for i, s := range states {
			if !s.done {
				return nil, nil, false, nil
			}
			if s.rerr != nil {
				return nil, s.rerr, true, nil
			}
			values[i] = s.value
		}
		return values, nil, true, nil

	case vm.PolicyAny:
		allDone := true
		var lastErr *vm.RuntimeError
		for _, s := range states {
			if s.done && s.rerr == nil {
				return s.value, nil, true, nil
			}
			if !s.done {
				allDone = false
				continue
			}
			lastErr = s.rerr
		}
		if allDone {
			return nil, lastErr, true, nil
		}
		return nil, nil, false, nil

	case vm.PolicyRace:
		for _, s := range states {
			if s.done {
				return s.value, s.rerr, true, nil
			}
		}
		return nil, nil, false, nil

	default:
		return nil, nil, false, fmt.Errorf("unknown plan policy %q", plan.Policy)
	}
}

func (w *Worker) resolveLeaf(ctx context.Context, workflowID string, leaf vm.AwaitLeaf) (vm.Value, *vm.RuntimeError, bool, error) {
	switch leaf.Kind {
	case vm.LeafRun, vm.LeafSubWorkflow:
		exec, err := w.store.GetExecution(ctx, leaf.ID)
		if err != nil {
			return nil, nil, false, err
		}
		switch exec.Status {
		case store.StatusCompleted:
			return exec.Output, nil, true, nil
		case store.StatusFailed, store.StatusCancelled:
			return nil, outputToRuntimeError(exec.Output), true, nil
		default:
			return nil, nil, false, nil
		}

	case vm.LeafDelay:
		_, err := w.store.GetTimer(ctx, leaf.ID)
		if err == store.ErrNotFound {
			return nil, nil, true, nil
		}
		if err != nil {
			return nil, nil, false, err
		}
		return nil, nil, false, nil

	case vm.LeafSignal:
		payload, ok, err := w.store.PollSignal(ctx, workflowID, leaf.Signal)
		if err != nil {
			return nil, nil, false, err
		}
		return payload, nil, ok, nil

	default:
		return nil, nil, false, fmt.Errorf("unknown leaf kind %q", leaf.Kind)
	}
}

func outputToRuntimeError(output vm.Value) *vm.RuntimeError {
	if m, ok := output.(map[string]vm.Value); ok {
		kind, _ := m["kind"].(string)
		msg, _ := m["message"].(string)
		return &vm.RuntimeError{Kind: kind, Message: msg}
	}
	return &vm.RuntimeError{Kind: "TaskError", Message: fmt.Sprint(output)}
}

// settle persists the outcome of one VM.Run call.
func (w *Worker) settle(ctx context.Context, workflowID string, def *store.WorkflowDefinition, machine *vm.VM, res vm.StepResult, logger *slog.Logger) {
	switch res.Status {
	case vm.StatusDone:
		if err := w.store.CompleteExecution(ctx, workflowID, res.Output); err != nil {
			logger.Error("complete_execution failed", log.Error(err))
		}

	case vm.StatusFailed:
		errVal := map[string]vm.Value{"kind": res.Err.Kind, "message": res.Err.Message}
		if err := w.coord.FailExecution(ctx, workflowID, errVal, false); err != nil {
			logger.Error("fail_execution failed", log.Error(err))
		}

	case vm.StatusYield:
		leaves := leavesFromPlan(res.Plan)
		if err := w.store.SuspendWorkflow(ctx, workflowID, def.ID, machine.Snapshot(), leaves); err != nil {
			logger.Error("suspend_workflow failed", log.Error(err))
		}

	case vm.StatusBudgetExceeded:
		// Step budget exhausted with no pending I/O: persist state as-is
		// and trampoline immediately so a long-running but non-awaiting
		// workflow makes progress across multiple worker turns instead
		// of starving the claim loop.
		if err := w.store.SuspendWorkflow(ctx, workflowID, def.ID, machine.Snapshot(), nil); err != nil {
			logger.Error("suspend_workflow (budget) failed", log.Error(err))
			return
		}
		if _, err := w.store.CreateExecution(ctx, store.CreateExecutionParams{
			ID:          fmt.Sprintf("continue-%s-%d", workflowID, time.Now().UnixNano()),
			Kind:        store.KindBuiltinResume,
			TargetName:  workflowID,
			Queue:       "system",
			MaxAttempts: 1,
		}); err != nil {
			logger.Error("requeue after budget exceeded failed", log.Error(err))
		}
	}
}

func leavesFromPlan(plan *vm.AwaitPlan) []store.NewLeaf {
	if plan == nil {
		return nil
	}
	leaves := make([]store.NewLeaf, len(plan.Leaves))
	for i, l := range plan.Leaves {
		leaves[i] = store.NewLeaf{
			ID:      l.ID,
			Kind:    l.Kind,
			Task:    firstNonEmpty(l.Task, l.Workflow),
			Queue:   "",
			Inputs:  leafInputs(l),
			DelayMS: l.DelayMS,
			Signal:  l.Signal,
		}
	}
	return leaves
}

func leafInputs(l vm.AwaitLeaf) vm.Value {
	if l.Kind == vm.LeafSubWorkflow {
		return l.Input
	}
	if len(l.Args) > 0 {
		return l.Args
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
