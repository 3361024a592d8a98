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

// LeafKind identifies what kind of store row an AwaitLeaf resolves to.
type LeafKind string

const (
	LeafRun         LeafKind = "run"          // a dispatched task
	LeafDelay       LeafKind = "delay"        // a timer_tasks row
	LeafSignal      LeafKind = "signal"       // a pending signal_deliveries wait
	LeafSubWorkflow LeafKind = "sub_workflow" // a child execution
)

// AwaitLeaf is one unit of awaitable work. Its ID is assigned
// deterministically (see IDForLeaf) from the frame position the await
// was evaluated at plus the leaf's index within the plan, so creating
// the same plan twice — e.g. after a crash and reload — always produces
// the same leaf IDs and therefore never double-dispatches the
// underlying task, timer, or signal subscription.
type AwaitLeaf struct {
	ID       string   `json:"id"`
	Kind     LeafKind `json:"kind"`
	Task     string   `json:"task,omitempty"`
	Args     []Value  `json:"args,omitempty"`
	DelayMS  int64    `json:"delay_ms,omitempty"`
	Signal   string   `json:"signal,omitempty"`
	Workflow string   `json:"workflow,omitempty"`
	Input    Value    `json:"input,omitempty"`
}

// PlanPolicy describes how an AwaitPlan's leaves combine into a single
// resolved value.
type PlanPolicy string

const (
	PolicySingle PlanPolicy = "single" // exactly one leaf; Task.run, Time.delay, Signal.wait, Workflow sub-call
	PolicyAll    PlanPolicy = "all"    // Task.all — resolves once every leaf completes, to an array in leaf order
	PolicyAny    PlanPolicy = "any"    // Task.any — resolves on the first successful leaf
	PolicyRace   PlanPolicy = "race"   // Task.race — resolves on the first leaf to settle, success or failure
)

// AwaitPlan is the suspension value produced by evaluating a stdlib
// await-bridge call (Task.run, Task.all, Time.delay, ...). It is pure
// data: building one performs no side effect. The worker is responsible
// for turning unseen leaves into task dispatches / timer rows / signal
// subscriptions, never the VM itself.
type AwaitPlan struct {
	Policy PlanPolicy  `json:"policy"`
	Leaves []AwaitLeaf `json:"leaves"`
}

// AwaitResultKind says what a resolved await value should be done with
// once the worker hands it back: bound as a new `let`/`const`, written
// through an assignment target, or used as the operand of `return`.
// Keeping this as data (rather than a closure) is what makes an
// AwaitCapsule safe to serialize and resume on a different process.
type AwaitResultKind string

const (
	AwaitResultLet     AwaitResultKind = "let"
	AwaitResultAssign  AwaitResultKind = "assign"
	AwaitResultReturn  AwaitResultKind = "return"
	AwaitResultDiscard AwaitResultKind = "discard" // a bare `await expr` statement; result is dropped
)

// AwaitCapsule is the serialized suspension point recorded on an
// execution when the VM yields: which plan it is waiting on, and — once
// the worker resolves every leaf it requires — where the combined
// result value should be written back into env.
type AwaitCapsule struct {
	Plan        AwaitPlan       `json:"plan"`
	ResultKind  AwaitResultKind `json:"result_kind"`
	ResultName  string          `json:"result_name,omitempty"`  // AwaitResultLet: declared name
	ResultConst bool            `json:"result_const,omitempty"` // AwaitResultLet only
	ResultPath  []string        `json:"result_path,omitempty"`  // AwaitResultAssign: property path (empty => bare identifier)
}

// FlattenLeafIDs returns every leaf ID in a plan, in leaf order. For
// PolicySingle this is always length 1.
func (p AwaitPlan) FlattenLeafIDs() []string {
	ids := make([]string, len(p.Leaves))
	for i, l := range p.Leaves {
		ids[i] = l.ID
	}
	return ids
}
