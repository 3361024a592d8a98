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

package vm

import (
	"fmt"

	"github.com/durableflow/flow/internal/dsl"
)

// StepStatus is the outcome of one VM.Run call.
type StepStatus string

const (
	StatusYield         StepStatus = "yield"
	StatusDone          StepStatus = "done"
	StatusFailed        StepStatus = "failed"
	StatusBudgetExceeded StepStatus = "budget_exceeded"
)

// StepResult reports what the VM did. Exactly one of Plan/Output/Err is
// meaningful, selected by Status.
type StepResult struct {
	Status StepStatus
	Plan   *AwaitPlan
	Output Value
	Err    *RuntimeError
}

// VM is one resumable execution of a parsed .flow program. It is not
// safe for concurrent use — an execution is claimed by exactly one
// worker at a time.
type VM struct {
	bi           *blockIndex
	definitionID string
	frames       []Frame
	env          []Scope
	control      ControlFlag
	controlValue Value
	capsule      *AwaitCapsule
	builtins     Builtins
}

// New starts a fresh VM at the top of prog.
func New(prog *dsl.Program, definitionID string, inputs Value, workflowID, workflowName string, builtins Builtins) *VM {
	return &VM{
		bi:           buildBlockIndex(prog),
		definitionID: definitionID,
		frames:       []Frame{{Kind: FrameBlock, BlockPath: rootBlockPath, PC: 0}},
		env:          []Scope{newRootScope(inputs, workflowID, workflowName)},
		builtins:     builtins,
	}
}

// Resume rebuilds a VM from a previously persisted Snapshot. prog must
// be the program compiled from the exact source the snapshot's
// DefinitionID names — callers are expected to have already checked
// snap.DefinitionID against the definition they loaded.
func Resume(prog *dsl.Program, snap Snapshot, builtins Builtins) *VM {
	return &VM{
		bi:           buildBlockIndex(prog),
		definitionID: snap.DefinitionID,
		frames:       append([]Frame{}, snap.Frames...),
		env:          append([]Scope{}, snap.Env...),
		control:      snap.Control,
		controlValue: snap.ControlValue,
		capsule:      snap.AwaitCapsule,
		builtins:     builtins,
	}
}

// Snapshot captures the VM's current state for persistence. It must
// only be called when Run most recently returned StatusYield.
func (m *VM) Snapshot() Snapshot {
	return Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		DefinitionID:  m.definitionID,
		Frames:        append([]Frame{}, m.frames...),
		Env:           append([]Scope{}, m.env...),
		Control:       m.control,
		ControlValue:  m.controlValue,
		AwaitCapsule:  m.capsule,
	}
}

// ResolveAwait feeds the combined result of a completed AwaitCapsule back
// into the VM before the next Run call. For PolicySingle this is the
// one leaf's result value; for All it is an array in leaf order; for
// Any/Race it is the first settled leaf's value. err is non-nil when the
// awaited operation failed (the operand is then thrown into the
// workflow's current try/catch, matching a rejected promise).
func (m *VM) ResolveAwait(result Value, err *RuntimeError) {
	capsule := m.capsule
	m.capsule = nil
	if capsule == nil {
		return
	}
	if err != nil {
		m.raise(err)
		return
	}
	switch capsule.ResultKind {
	case AwaitResultLet:
		declareIdent(m.env, capsule.ResultName, result, capsule.ResultConst)
	case AwaitResultAssign:
		if len(capsule.ResultPath) == 0 {
			if err := assignIdent(m.env, capsule.ResultName, result); err != nil {
				m.raise(toRuntimeError(err))
			}
			return
		}
		root, ok := lookupIdent(m.env, capsule.ResultName)
		if !ok {
			m.raise(&RuntimeError{Kind: "InternalError", Message: fmt.Sprintf("assignment to undeclared identifier %q", capsule.ResultName)})
			return
		}
		newRoot, serr := SetProperty(root, capsule.ResultPath, result)
		if serr != nil {
			m.raise(toRuntimeError(serr))
			return
		}
		if aerr := assignIdent(m.env, capsule.ResultName, newRoot); aerr != nil {
			m.raise(toRuntimeError(aerr))
		}
	case AwaitResultReturn:
		m.control = ControlReturn
		m.controlValue = result
	}
}

// defaultStepBudget bounds the number of statements one Run call will
// execute before returning StatusBudgetExceeded, so a workflow bug (an
// infinite loop with no await) cannot wedge a worker goroutine forever.
// The caller snapshots and requeues exactly as it would for a Yield.
const defaultStepBudget = 100000

// Run drives the VM forward until it suspends, finishes, fails, or
// exhausts its step budget.
func (m *VM) Run() StepResult {
	for i := 0; i < defaultStepBudget; i++ {
		res, done := m.step()
		if done {
			return res
		}
	}
	return StepResult{Status: StatusBudgetExceeded}
}

func (m *VM) step() (StepResult, bool) {
	if m.control != ControlNone {
		return m.unwind()
	}
	if len(m.frames) == 0 {
		return StepResult{Status: StatusDone, Output: nil}, true
	}

	top := &m.frames[len(m.frames)-1]
	block := m.bi.block(top.BlockPath)

	if top.PC >= len(block) {
		return m.completeFrame(top)
	}

	stmt := block[top.PC]
	return m.execStmt(stmt, top)
}

func (ev *VM) evaluator() *evaluator {
	return &evaluator{env: ev.env, builtins: ev.builtins}
}

func (m *VM) execStmt(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	switch stmt.Kind {
	case dsl.StmtLet:
		return m.execLet(stmt, top)
	case dsl.StmtAssign:
		return m.execAssign(stmt, top)
	case dsl.StmtExpr:
		if stmt.Expr.Kind == dsl.ExprAwait {
			return m.execAwait(stmt.Expr, top, AwaitCapsule{ResultKind: AwaitResultDiscard})
		}
		if _, err := m.evaluator().eval(stmt.Expr); err != nil {
			m.raise(toRuntimeError(err))
			return StepResult{}, false
		}
		top.PC++
		return StepResult{}, false
	case dsl.StmtIf:
		return m.execIf(stmt, top)
	case dsl.StmtWhile:
		return m.execWhile(stmt, top)
	case dsl.StmtFor:
		return m.execFor(stmt, top)
	case dsl.StmtReturn:
		return m.execReturn(stmt, top)
	case dsl.StmtBreak:
		top.PC++
		m.control = ControlBreak
		return StepResult{}, false
	case dsl.StmtContinue:
		top.PC++
		m.control = ControlContinue
		return StepResult{}, false
	case dsl.StmtTry:
		return m.execTry(stmt, top)
	default:
		m.raise(&RuntimeError{Kind: "InternalError", Message: fmt.Sprintf("unhandled statement kind %v", stmt.Kind)})
		return StepResult{}, false
	}
}

// execLet and execAssign share the await-vs-plain-expression split: if
// the statement's Init is a bare `await <x>`, evaluating its operand may
// produce an AwaitPlan, in which case the VM suspends instead of
// completing the statement in place.
func (m *VM) execLet(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	if stmt.Init == nil {
		declareIdent(m.env, stmt.Name, nil, stmt.IsConst)
		top.PC++
		return StepResult{}, false
	}
	if stmt.HasAwait {
		return m.execAwait(stmt.Init, top, AwaitCapsule{
			ResultKind:  AwaitResultLet,
			ResultName:  stmt.Name,
			ResultConst: stmt.IsConst,
		})
	}
	v, err := m.evaluator().eval(stmt.Init)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	declareIdent(m.env, stmt.Name, v, stmt.IsConst)
	top.PC++
	return StepResult{}, false
}

func (m *VM) execAssign(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	assign := func(v Value) error {
		if len(stmt.Target.Path) == 0 {
			return assignIdent(m.env, stmt.Target.Name, v)
		}
		root, ok := lookupIdent(m.env, stmt.Target.Name)
		if !ok {
			return fmt.Errorf("assignment to undeclared identifier %q", stmt.Target.Name)
		}
		newRoot, err := SetProperty(root, stmt.Target.Path, v)
		if err != nil {
			return err
		}
		return assignIdent(m.env, stmt.Target.Name, newRoot)
	}

	if stmt.HasAwait {
		return m.execAwait(stmt.Init, top, AwaitCapsule{
			ResultKind: AwaitResultAssign,
			ResultName: stmt.Target.Name,
			ResultPath: stmt.Target.Path,
		})
	}
	v, err := m.evaluator().eval(stmt.Init)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	if err := assign(v); err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	top.PC++
	return StepResult{}, false
}

// execAwait evaluates an ExprAwait's operand. A successful evaluation
// that yields an *AwaitPlan suspends the machine; capsule (minus Plan,
// filled in here) describes what ResolveAwait should later do with the
// settled value — declarative data rather than a closure, so the
// suspension survives a JSON round-trip to a completely different
// process.
func (m *VM) execAwait(awaitExpr *dsl.Expr, top *Frame, capsule AwaitCapsule) (StepResult, bool) {
	v, err := m.evaluator().eval(awaitExpr.Operand)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	plan, ok := v.(*AwaitPlan)
	if !ok {
		m.raise(&RuntimeError{Kind: "TypeError", Message: "await operand is not an awaitable plan"})
		return StepResult{}, false
	}
	top.PC++
	capsule.Plan = *plan
	m.capsule = &capsule
	return StepResult{Status: StatusYield, Plan: plan}, true
}

func (m *VM) execIf(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	cond, err := m.evaluator().eval(stmt.Cond)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	ownerPath, ownerPC := top.BlockPath, top.PC
	top.PC++
	if IsTruthy(cond) {
		m.pushBlockFrame(childPath(ownerPath, ownerPC, "then"))
	} else if stmt.Else != nil {
		m.pushBlockFrame(childPath(ownerPath, ownerPC, "else"))
	}
	return StepResult{}, false
}

func (m *VM) execWhile(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	cond, err := m.evaluator().eval(stmt.Cond)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	ownerPath, ownerPC := top.BlockPath, top.PC
	if !IsTruthy(cond) {
		top.PC++
		return StepResult{}, false
	}
	m.frames = append(m.frames, Frame{
		Kind:      FrameWhile,
		BlockPath: childPath(ownerPath, ownerPC, "body"),
		PC:        0,
	})
	m.env = append(m.env, *newScope())
	return StepResult{}, false
}

func (m *VM) execFor(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	iterable, err := m.evaluator().eval(stmt.Iterable)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	items, err := toIterable(iterable)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	ownerPath, ownerPC := top.BlockPath, top.PC
	top.PC++
	if len(items) == 0 {
		return StepResult{}, false
	}
	frame := Frame{
		Kind:      FrameFor,
		BlockPath: childPath(ownerPath, ownerPC, "body"),
		PC:        0,
		LoopVar:   stmt.LoopVar,
		Items:     items,
		Index:     0,
	}
	m.frames = append(m.frames, frame)
	sc := newScope()
	sc.Vars[stmt.LoopVar] = items[0]
	m.env = append(m.env, *sc)
	return StepResult{}, false
}

func toIterable(v Value) ([]Value, error) {
	switch t := v.(type) {
	case []Value:
		return t, nil
	case map[string]Value:
		out := make([]Value, 0, len(t))
		for _, k := range sortedKeys(t) {
			out = append(out, k)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot iterate over %s", TypeName(v))}
	}
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion order is not preserved by Go maps; object key iteration
	// order is therefore defined as sorted, matching the stdlib's
	// SortedKeys policy used elsewhere for the same reason.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func (m *VM) execReturn(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	if stmt.Value == nil {
		top.PC++
		m.control = ControlReturn
		m.controlValue = nil
		return StepResult{}, false
	}
	if stmt.HasAwait {
		return m.execAwait(stmt.Value, top, AwaitCapsule{ResultKind: AwaitResultReturn})
	}
	v, err := m.evaluator().eval(stmt.Value)
	if err != nil {
		m.raise(toRuntimeError(err))
		return StepResult{}, false
	}
	top.PC++
	m.control = ControlReturn
	m.controlValue = v
	return StepResult{}, false
}

func (m *VM) execTry(stmt dsl.Stmt, top *Frame) (StepResult, bool) {
	ownerPath, ownerPC := top.BlockPath, top.PC
	top.PC++
	m.frames = append(m.frames, Frame{
		Kind:       FrameTry,
		BlockPath:  childPath(ownerPath, ownerPC, "try"),
		PC:         0,
		Phase:      "try",
		CatchVar:   stmt.CatchName,
		HasCatch:   stmt.HasCatch,
		HasFinally: stmt.HasFinally,
	})
	m.env = append(m.env, *newScope())
	return StepResult{}, false
}

// pushBlockFrame enters a plain nested block (if/then, if/else) that
// owns no loop or exception state of its own.
func (m *VM) pushBlockFrame(blockPath string) {
	m.frames = append(m.frames, Frame{Kind: FrameBlock, BlockPath: blockPath, PC: 0})
	m.env = append(m.env, *newScope())
}

func (m *VM) raise(re *RuntimeError) {
	m.control = ControlThrow
	m.controlValue = re.ToThrown()
}

func toRuntimeError(err error) *RuntimeError {
	if re, ok := err.(*RuntimeError); ok {
		return re
	}
	return &RuntimeError{Kind: "Error", Message: err.Error()}
}

// completeFrame runs when a block's statements are all consumed (PC hit
// the end without a control flag being set): what happens next depends
// on what kind of construct this frame belongs to.
func (m *VM) completeFrame(top *Frame) (StepResult, bool) {
	switch top.Kind {
	case FrameFor:
		top.Index++
		if top.Index < len(top.Items) {
			top.PC = 0
			m.env[len(m.env)-1] = *freshScopeWith(top.LoopVar, top.Items[top.Index])
			return StepResult{}, false
		}
		m.popFrame()
		return StepResult{}, false

	case FrameWhile:
		m.popFrame()
		return StepResult{}, false

	case FrameTry:
		return m.advanceTryPhase(top)

	default: // FrameBlock
		m.popFrame()
		if len(m.frames) == 0 {
			return StepResult{Status: StatusDone, Output: nil}, true
		}
		return StepResult{}, false
	}
}

func freshScopeWith(name string, v Value) *Scope {
	sc := newScope()
	sc.Vars[name] = v
	return sc
}

func (m *VM) popFrame() {
	m.frames = m.frames[:len(m.frames)-1]
	m.env = m.env[:len(m.env)-1]
}

// advanceTryPhase moves a try frame from try -> finally -> done, or
// try -> (done, if no finally), once its current phase's block runs out
// without throwing.
func (m *VM) advanceTryPhase(top *Frame) (StepResult, bool) {
	switch top.Phase {
	case "try", "catch":
		if top.HasFinally {
			top.Phase = "finally"
			top.PC = 0
			// BlockPath must point at the finally block; recovered from
			// the owner statement via the stored path convention.
			top.BlockPath = siblingPath(top.BlockPath, "finally")
			m.env[len(m.env)-1] = *newScope()
			return StepResult{}, false
		}
		m.popFrame()
		return StepResult{}, false
	default: // "finally"
		pending := top.Pending
		m.popFrame()
		if pending != nil {
			m.control = pending.Flag
			m.controlValue = pending.Value
		}
		return StepResult{}, false
	}
}

// siblingPath rewrites a block path's trailing branch tag (".try" /
// ".catch" / ".finally") to target a different branch of the same
// owning statement.
func siblingPath(path, branch string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '.' {
		i--
	}
	if i < 0 {
		return path
	}
	return path[:i+1] + branch
}

// unwind propagates a non-None control flag up through the frame stack
// until it is absorbed (a loop catching Break/Continue, a try catching
// Throw or running its finally) or reaches the bottom of the stack, at
// which point it becomes the execution's final Output/Err.
func (m *VM) unwind() (StepResult, bool) {
	for len(m.frames) > 0 {
		top := &m.frames[len(m.frames)-1]

		switch top.Kind {
		case FrameFor, FrameWhile:
			switch m.control {
			case ControlBreak:
				m.control = ControlNone
				kind := top.Kind
				m.popFrame()
				// execFor advances its owner's PC past the loop before
				// pushing the body frame; execWhile does not, since it
				// relies on re-entering itself to re-check the condition.
				// A while broken out of must therefore skip that
				// statement explicitly, or the owner would re-run it.
				if kind == FrameWhile && len(m.frames) > 0 {
					m.frames[len(m.frames)-1].PC++
				}
				return StepResult{}, false
			case ControlContinue:
				m.control = ControlNone
				return m.continueLoop(top)
			default: // Return / Throw pass straight through a loop frame
				m.popFrame()
				continue
			}

		case FrameTry:
			if m.control == ControlThrow && top.Phase == "try" && top.HasCatch {
				m.control = ControlNone
				thrown := m.controlValue
				top.Phase = "catch"
				top.PC = 0
				top.BlockPath = siblingPath(top.BlockPath, "catch")
				sc := newScope()
				sc.Vars[top.CatchVar] = thrown
				m.env[len(m.env)-1] = *sc
				return StepResult{}, false
			}
			if top.HasFinally && top.Phase != "finally" {
				pending := &PendingControl{Flag: m.control, Value: m.controlValue}
				top.Pending = pending
				top.Phase = "finally"
				top.PC = 0
				top.BlockPath = siblingPath(top.BlockPath, "finally")
				m.env[len(m.env)-1] = *newScope()
				m.control = ControlNone
				return StepResult{}, false
			}
			m.popFrame()
			continue

		default: // FrameBlock
			m.popFrame()
			continue
		}
	}

	// Reached the bottom of the stack with the flag still set.
	switch m.control {
	case ControlReturn:
		out := m.controlValue
		m.control = ControlNone
		return StepResult{Status: StatusDone, Output: out}, true
	case ControlThrow:
		errVal := m.controlValue
		m.control = ControlNone
		re := &RuntimeError{Kind: "UncaughtError", Message: fmt.Sprintf("%v", errVal)}
		if obj, ok := errVal.(map[string]Value); ok {
			if k, ok := obj["kind"].(string); ok {
				re.Kind = k
			}
			if msg, ok := obj["message"].(string); ok {
				re.Message = msg
			}
		}
		return StepResult{Status: StatusFailed, Err: re}, true
	default:
		// Break/Continue with nothing left to absorb them: a validator
		// gap (break outside a loop), surfaced as a failure rather than
		// a panic.
		m.control = ControlNone
		return StepResult{Status: StatusFailed, Err: &RuntimeError{Kind: "InternalError", Message: "break/continue outside of a loop"}}, true
	}
}

func (m *VM) continueLoop(top *Frame) (StepResult, bool) {
	switch top.Kind {
	case FrameFor:
		top.Index++
		if top.Index < len(top.Items) {
			top.PC = 0
			m.env[len(m.env)-1] = *freshScopeWith(top.LoopVar, top.Items[top.Index])
			return StepResult{}, false
		}
		m.popFrame()
		return StepResult{}, false
	default: // FrameWhile
		m.popFrame()
		return StepResult{}, false
	}
}
