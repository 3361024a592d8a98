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

package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/dsl"
	"github.com/durableflow/flow/internal/vm"
)

// fakeBuiltins mirrors the Task and Time members of internal/stdlib.Builtins
// without an ExecutionContext; its leaf IDs come from a local counter.
type fakeBuiltins struct{ n int }

func (f *fakeBuiltins) Call(namespace, method string, args []vm.Value) (vm.Value, *vm.AwaitPlan, error) {
	switch namespace {
	case "Task":
		switch method {
		case "run":
			f.n++
			name, _ := args[0].(string)
			leaf := vm.AwaitLeaf{ID: idFor(f.n), Kind: vm.LeafRun, Task: name, Args: args[1:]}
			return nil, &vm.AwaitPlan{Policy: vm.PolicySingle, Leaves: []vm.AwaitLeaf{leaf}}, nil
		case "all", "any", "race":
			var leaves []vm.AwaitLeaf
			elems, _ := args[0].([]vm.Value)
			for _, e := range elems {
				if p, ok := e.(*vm.AwaitPlan); ok {
					leaves = append(leaves, p.Leaves...)
				}
			}
			policy := vm.PolicyAll
			if method == "any" {
				policy = vm.PolicyAny
			} else if method == "race" {
				policy = vm.PolicyRace
			}
			return nil, &vm.AwaitPlan{Policy: policy, Leaves: leaves}, nil
		}
	case "Time":
		if method == "delay" {
			f.n++
			ms, _ := args[0].(float64)
			leaf := vm.AwaitLeaf{ID: idFor(f.n), Kind: vm.LeafDelay, DelayMS: int64(ms)}
			return nil, &vm.AwaitPlan{Policy: vm.PolicySingle, Leaves: []vm.AwaitLeaf{leaf}}, nil
		}
	}
	return nil, nil, nil
}

func idFor(n int) string {
	return "leaf-" + string(rune('a'+n))
}

func newVM(t *testing.T, src string, inputs vm.Value) (*vm.VM, *fakeBuiltins) {
	t.Helper()
	prog, err := dsl.Parse(src)
	require.NoError(t, err)
	bi := &fakeBuiltins{}
	return vm.New(prog, "def-1", inputs, "exec-1", "demo", bi), bi
}

func TestEchoChain(t *testing.T) {
	m, _ := newVM(t, "let x = await Task.run(\"echo\", {v: 1})\nreturn x.v + 1\n", nil)

	res := m.Run()
	require.Equal(t, vm.StatusYield, res.Status)
	require.Equal(t, vm.PolicySingle, res.Plan.Policy)
	require.Len(t, res.Plan.Leaves, 1)
	assert.Equal(t, "echo", res.Plan.Leaves[0].Task)

	m.ResolveAwait(map[string]vm.Value{"v": float64(1)}, nil)
	res = m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, float64(2), res.Output)
}

func TestForInSequentialChildren(t *testing.T) {
	m, _ := newVM(t, "for (let i in [0, 1, 2]) {\n  await Task.run(\"step\", {i: i})\n}\nreturn \"ok\"\n", nil)

	for i := 0; i < 3; i++ {
		res := m.Run()
		require.Equal(t, vm.StatusYield, res.Status, "iteration %d", i)
		m.ResolveAwait(map[string]vm.Value{"i": float64(i)}, nil)
	}
	res := m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, "ok", res.Output)
}

func TestWhileLoopSuspendsEachIteration(t *testing.T) {
	m, _ := newVM(t, "let n = 0\nwhile (n < 3) {\n  await Task.run(\"step\", {n: n})\n  n = n + 1\n}\nreturn n\n", nil)

	for i := 0; i < 3; i++ {
		res := m.Run()
		require.Equal(t, vm.StatusYield, res.Status, "iteration %d", i)
		m.ResolveAwait(nil, nil)
	}
	res := m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, float64(3), res.Output)
}

func TestWhileLoopBreak(t *testing.T) {
	m, _ := newVM(t, "let n = 0\nwhile (n < 5) {\n  await Task.run(\"step\", {n: n})\n  n = n + 1\n  if (n == 2) {\n    break\n  }\n}\nreturn n\n", nil)

	for i := 0; i < 2; i++ {
		res := m.Run()
		require.Equal(t, vm.StatusYield, res.Status, "iteration %d", i)
		m.ResolveAwait(nil, nil)
	}
	res := m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, float64(2), res.Output)
}

func TestTaskAllTwoChildren(t *testing.T) {
	m, _ := newVM(t, "let r = await Task.all([Task.run(\"a\", {}), Task.run(\"b\", {})])\nreturn r\n", nil)

	res := m.Run()
	require.Equal(t, vm.StatusYield, res.Status)
	require.Equal(t, vm.PolicyAll, res.Plan.Policy)
	require.Len(t, res.Plan.Leaves, 2)

	m.ResolveAwait([]vm.Value{"out-a", "out-b"}, nil)
	res = m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, []vm.Value{"out-a", "out-b"}, res.Output)
}

func TestTryCatchTaskFailure(t *testing.T) {
	m, _ := newVM(t, "try {\n  await Task.run(\"may_fail\", {})\n} catch (e) {\n  return {caught: e}\n}\nreturn \"ok\"\n", nil)

	res := m.Run()
	require.Equal(t, vm.StatusYield, res.Status)

	m.ResolveAwait(nil, &vm.RuntimeError{Kind: "TaskFailure", Message: "boom"})
	res = m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	out, ok := res.Output.(map[string]vm.Value)
	require.True(t, ok)
	caught, ok := out["caught"].(map[string]vm.Value)
	require.True(t, ok)
	assert.Equal(t, "TaskFailure", caught["kind"])
}

func TestTryNoFailureReturnsOK(t *testing.T) {
	m, _ := newVM(t, "try {\n  await Task.run(\"may_fail\", {})\n} catch (e) {\n  return {caught: e}\n}\nreturn \"ok\"\n", nil)

	res := m.Run()
	require.Equal(t, vm.StatusYield, res.Status)
	m.ResolveAwait(map[string]vm.Value{}, nil)
	res = m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, "ok", res.Output)
}

func TestTaskRaceTimerVsOp(t *testing.T) {
	m, _ := newVM(t, "let r = await Task.race([Task.run(\"op\", {}), Time.delay(50)])\nreturn r\n", nil)

	res := m.Run()
	require.Equal(t, vm.StatusYield, res.Status)
	require.Equal(t, vm.PolicyRace, res.Plan.Policy)
	require.Len(t, res.Plan.Leaves, 2)

	m.ResolveAwait(nil, nil) // timer settles first with a null value
	res = m.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Nil(t, res.Output)
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, bi := newVM(t, "let x = await Task.run(\"echo\", {v: 1})\nreturn x.v + 1\n", nil)
	res := m.Run()
	require.Equal(t, vm.StatusYield, res.Status)

	snap := m.Snapshot()
	data := snap // already a plain struct; a real caller would json.Marshal/Unmarshal this

	prog, err := dsl.Parse("let x = await Task.run(\"echo\", {v: 1})\nreturn x.v + 1\n")
	require.NoError(t, err)
	resumed := vm.Resume(prog, data, bi)
	resumed.ResolveAwait(map[string]vm.Value{"v": float64(1)}, nil)
	res = resumed.Run()
	require.Equal(t, vm.StatusDone, res.Status)
	assert.Equal(t, float64(2), res.Output)
}
