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

// Package stdlib implements the .flow built-in namespaces: Task, Time,
// Math, Workflow, and Signal. There is no Context namespace here. Every
// member of these namespaces is either a pure synchronous computation
// (Math.*, Time.now, Workflow.id/name) or a pure AwaitPlan constructor
// (Task.run, Task.all/any/race, Time.delay, Signal.wait,
// Workflow.start) — none of them perform
// I/O themselves. Turning a plan's leaves into real task dispatches,
// timer rows, or signal subscriptions is the worker's job.
package stdlib

import (
	"fmt"
	"math"
	"sort"

	"github.com/durableflow/flow/internal/vm"
)

// ExecutionContext is the read-only identity of the execution currently
// running, exposed to Workflow.id/name and used to build deterministic
// leaf IDs.
type ExecutionContext struct {
	ExecutionID      string
	WorkflowName     string
	WorkflowVersion  string
	NextLeafOrdinal  func() int // returns a monotonically increasing counter, scoped to one frame position
}

// Builtins implements vm.Builtins over the fixed .flow namespace set.
type Builtins struct {
	ctx *ExecutionContext
}

func New(ctx *ExecutionContext) *Builtins {
	return &Builtins{ctx: ctx}
}

// Call dispatches a `Namespace.Method(args...)` invocation. It returns
// either a synchronous value (plan == nil) or an AwaitPlan to suspend
// on (value == nil, plan != nil), never both.
func (b *Builtins) Call(namespace, method string, args []vm.Value) (vm.Value, *vm.AwaitPlan, error) {
	switch namespace {
	case "Math":
		v, err := b.callMath(method, args)
		return v, nil, err
	case "Time":
		return b.callTime(method, args)
	case "Task":
		return b.callTask(method, args)
	case "Workflow":
		return b.callWorkflow(method, args)
	case "Signal":
		return b.callSignal(method, args)
	default:
		return nil, nil, fmt.Errorf("unknown builtin namespace %q", namespace)
	}
}

func num(v vm.Value) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func (b *Builtins) callMath(method string, args []vm.Value) (vm.Value, error) {
	switch method {
	case "floor":
		f, _ := num(arg(args, 0))
		return math.Floor(f), nil
	case "ceil":
		f, _ := num(arg(args, 0))
		return math.Ceil(f), nil
	case "round":
		f, _ := num(arg(args, 0))
		return math.Round(f), nil
	case "abs":
		f, _ := num(arg(args, 0))
		return math.Abs(f), nil
	case "max":
		return reduceNums(args, math.Inf(-1), math.Max), nil
	case "min":
		return reduceNums(args, math.Inf(1), math.Min), nil
	case "pow":
		a, _ := num(arg(args, 0))
		c, _ := num(arg(args, 1))
		return math.Pow(a, c), nil
	case "sqrt":
		f, _ := num(arg(args, 0))
		return math.Sqrt(f), nil
	default:
		return nil, fmt.Errorf("unknown Math.%s", method)
	}
}

func arg(args []vm.Value, i int) vm.Value {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func reduceNums(args []vm.Value, init float64, f func(a, b float64) float64) float64 {
	acc := init
	for _, a := range args {
		if n, ok := num(a); ok {
			acc = f(acc, n)
		}
	}
	return acc
}

func (b *Builtins) callTime(method string, args []vm.Value) (vm.Value, *vm.AwaitPlan, error) {
	switch method {
	case "delay":
		ms, _ := num(arg(args, 0))
		leaf := vm.AwaitLeaf{ID: b.leafID(), Kind: vm.LeafDelay, DelayMS: int64(ms)}
		return nil, &vm.AwaitPlan{Policy: vm.PolicySingle, Leaves: []vm.AwaitLeaf{leaf}}, nil
	case "now":
		// Time.now is deliberately NOT await-bridged: it is evaluated
		// synchronously from the host clock at the moment the statement
		// runs, matching a plain host function call rather than a
		// suspension point. Replays therefore never reread it; it is
		// recorded once into env like any other let-bound value.
		return nowMillis(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown Time.%s", method)
	}
}

func (b *Builtins) callTask(method string, args []vm.Value) (vm.Value, *vm.AwaitPlan, error) {
	switch method {
	case "run":
		name, _ := args[0].(string)
		rest := args[1:]
		leaf := vm.AwaitLeaf{ID: b.leafID(), Kind: vm.LeafRun, Task: name, Args: rest}
		return nil, &vm.AwaitPlan{Policy: vm.PolicySingle, Leaves: []vm.AwaitLeaf{leaf}}, nil
	case "all":
		return nil, b.fanOut(args, vm.PolicyAll), nil
	case "any":
		return nil, b.fanOut(args, vm.PolicyAny), nil
	case "race":
		return nil, b.fanOut(args, vm.PolicyRace), nil
	default:
		return nil, nil, fmt.Errorf("unknown Task.%s", method)
	}
}

// fanOut flattens the leaves of a Task.all/any/race call. The DSL form
// is `Task.all([Task.run("a"), Task.run("b")])` — a single array
// literal argument whose elements are themselves plan values produced
// by evaluating nested Task.run/Time.delay/Signal.wait calls — but a
// bare varargs form is accepted too so the construct composes the same
// way whether the caller builds the array inline or passes one through.
func (b *Builtins) fanOut(args []vm.Value, policy vm.PlanPolicy) *vm.AwaitPlan {
	var elems []vm.Value
	if len(args) == 1 {
		if arr, ok := args[0].([]vm.Value); ok {
			elems = arr
		}
	}
	if elems == nil {
		elems = args
	}
	var leaves []vm.AwaitLeaf
	for _, a := range elems {
		if p, ok := a.(*vm.AwaitPlan); ok {
			leaves = append(leaves, p.Leaves...)
		}
	}
	return &vm.AwaitPlan{Policy: policy, Leaves: leaves}
}

func (b *Builtins) callWorkflow(method string, args []vm.Value) (vm.Value, *vm.AwaitPlan, error) {
	switch method {
	case "id":
		return b.ctx.ExecutionID, nil, nil
	case "name":
		return b.ctx.WorkflowName, nil, nil
	case "start":
		name, _ := arg(args, 0).(string)
		leaf := vm.AwaitLeaf{ID: b.leafID(), Kind: vm.LeafSubWorkflow, Workflow: name, Input: arg(args, 1)}
		return nil, &vm.AwaitPlan{Policy: vm.PolicySingle, Leaves: []vm.AwaitLeaf{leaf}}, nil
	default:
		return nil, nil, fmt.Errorf("unknown Workflow.%s", method)
	}
}

func (b *Builtins) callSignal(method string, args []vm.Value) (vm.Value, *vm.AwaitPlan, error) {
	switch method {
	case "wait":
		name, _ := arg(args, 0).(string)
		leaf := vm.AwaitLeaf{ID: b.leafID(), Kind: vm.LeafSignal, Signal: name}
		return nil, &vm.AwaitPlan{Policy: vm.PolicySingle, Leaves: []vm.AwaitLeaf{leaf}}, nil
	default:
		return nil, nil, fmt.Errorf("unknown Signal.%s", method)
	}
}

func (b *Builtins) leafID() string {
	n := b.ctx.NextLeafOrdinal()
	return fmt.Sprintf("%s#%d", b.ctx.ExecutionID, n)
}

// SortedKeys is a small helper used by the VM's object-iteration
// ordering for `for (let k in obj)`-style stability; kept here rather
// than in the VM package since key ordering is a stdlib-level policy,
// not a language primitive.
func SortedKeys(m map[string]vm.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
