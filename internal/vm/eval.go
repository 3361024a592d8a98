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

// Builtins resolves a `Namespace.Method(args)` call against one of the
// fixed stdlib namespaces (Task, Time, Math, Workflow, Signal). It
// returns exactly one of a synchronous value or an AwaitPlan.
type Builtins interface {
	Call(namespace, method string, args []Value) (Value, *AwaitPlan, error)
}

// namespaceRef is the sentinel bound to each stdlib namespace identifier
// in the root scope; it is never itself a usable value, only a carrier
// that member access turns into a boundMethod.
type namespaceRef struct{ name string }

// boundMethod is what `Task.run` evaluates to before it is called.
type boundMethod struct{ namespace, method string }

var namespaceNames = [...]string{"Task", "Time", "Math", "Workflow", "Signal"}

// newRootScope builds the always-present global bindings: Inputs, the
// fixed stdlib namespaces, and Context (execution identity metadata).
func newRootScope(inputs Value, workflowID, workflowName string) Scope {
	s := Scope{Vars: map[string]Value{}, Consts: map[string]bool{}}
	s.Vars["Inputs"] = inputs
	s.Consts["Inputs"] = true
	for _, n := range namespaceNames {
		s.Vars[n] = namespaceRef{name: n}
		s.Consts[n] = true
	}
	s.Vars["Context"] = map[string]Value{
		"workflow_id":   workflowID,
		"workflow_name": workflowName,
	}
	s.Consts["Context"] = true
	return s
}

func lookupIdent(env []Scope, name string) (Value, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if v, ok := env[i].Vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// declareIdent binds name in the innermost scope of env. Vars/Consts are
// lazily initialized here too: a scope restored from a JSON snapshot
// that happened to have no const bindings yet serializes its (omitempty)
// Consts map away, so it comes back nil.
func declareIdent(env []Scope, name string, v Value, isConst bool) {
	top := &env[len(env)-1]
	if top.Vars == nil {
		top.Vars = map[string]Value{}
	}
	top.Vars[name] = v
	if isConst {
		if top.Consts == nil {
			top.Consts = map[string]bool{}
		}
		top.Consts[name] = true
	}
}

// assignIdent rewrites an existing binding in whichever scope owns it.
func assignIdent(env []Scope, name string, v Value) error {
	for i := len(env) - 1; i >= 0; i-- {
		if _, ok := env[i].Vars[name]; ok {
			env[i].Vars[name] = v
			return nil
		}
	}
	return fmt.Errorf("assignment to undeclared identifier %q", name)
}

// evaluator carries the per-step evaluation dependencies. It holds no
// state of its own beyond them — env is passed in by the caller (exec.go)
// and mutated in place.
type evaluator struct {
	env      []Scope
	builtins Builtins
}

// eval evaluates e and returns its Value. For a call to a stdlib
// await-bridge method the returned Value may be an *AwaitPlan — a
// transient, never-persisted value meaningful only while evaluating an
// await operand (including as an element of a Task.all/any/race array).
func (ev *evaluator) eval(e *dsl.Expr) (Value, error) {
	switch e.Kind {
	case dsl.ExprNull:
		return nil, nil
	case dsl.ExprBool:
		return e.BoolVal, nil
	case dsl.ExprNumber:
		return e.NumVal, nil
	case dsl.ExprString:
		return e.StrVal, nil
	case dsl.ExprArray:
		out := make([]Value, len(e.Elements))
		for i, el := range e.Elements {
			v, err := ev.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case dsl.ExprObject:
		out := map[string]Value{}
		for i, k := range e.Keys {
			v, err := ev.eval(e.Values[i])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case dsl.ExprIdent:
		v, ok := lookupIdent(ev.env, e.Name)
		if !ok {
			return nil, fmt.Errorf("undefined identifier %q", e.Name)
		}
		return v, nil
	case dsl.ExprMember:
		return ev.evalMember(e, false)
	case dsl.ExprOptMember:
		return ev.evalMember(e, true)
	case dsl.ExprCall:
		return ev.evalCall(e)
	case dsl.ExprUnary:
		return ev.evalUnary(e)
	case dsl.ExprBinary:
		return ev.evalBinary(e)
	case dsl.ExprLogical:
		return ev.evalLogical(e)
	case dsl.ExprNullish:
		left, err := ev.eval(e.Left)
		if err != nil {
			return nil, err
		}
		if left != nil {
			return left, nil
		}
		return ev.eval(e.Right)
	case dsl.ExprTernary:
		test, err := ev.eval(e.Test)
		if err != nil {
			return nil, err
		}
		if IsTruthy(test) {
			return ev.eval(e.Cons)
		}
		return ev.eval(e.Alt)
	case dsl.ExprAwait:
		// Reaching here means await appeared somewhere eval() was called
		// directly rather than through the statement-level await path in
		// exec.go; the validator already forbids this, so treat it as an
		// evaluator invariant violation rather than a user-facing error.
		return nil, fmt.Errorf("await expression evaluated outside statement position")
	default:
		return nil, fmt.Errorf("unhandled expression kind %v", e.Kind)
	}
}

func (ev *evaluator) evalMember(e *dsl.Expr, optional bool) (Value, error) {
	if e.Object.Kind == dsl.ExprIdent {
		if ref, ok := ev.lookupNamespace(e.Object.Name); ok {
			return boundMethod{namespace: ref.name, method: e.Property}, nil
		}
	}
	obj, err := ev.eval(e.Object)
	if err != nil {
		return nil, err
	}
	if optional && obj == nil {
		return nil, nil
	}
	return GetProperty(obj, e.Property, optional)
}

func (ev *evaluator) lookupNamespace(name string) (namespaceRef, bool) {
	v, ok := lookupIdent(ev.env, name)
	if !ok {
		return namespaceRef{}, false
	}
	ref, ok := v.(namespaceRef)
	return ref, ok
}

func (ev *evaluator) evalCall(e *dsl.Expr) (Value, error) {
	calleeVal, err := ev.evalCallee(e.Callee)
	if err != nil {
		return nil, err
	}
	bm, ok := calleeVal.(boundMethod)
	if !ok {
		return nil, fmt.Errorf("value is not callable")
	}
	args := make([]Value, len(e.Args))
	for i, a := range e.Args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	val, plan, err := ev.builtins.Call(bm.namespace, bm.method, args)
	if err != nil {
		return nil, err
	}
	if plan != nil {
		return plan, nil
	}
	return val, nil
}

// evalCallee special-cases member expressions on namespaces so the call
// site never tries (and fails) to GetProperty a namespaceRef.
func (ev *evaluator) evalCallee(e *dsl.Expr) (Value, error) {
	if e.Kind == dsl.ExprMember && e.Object.Kind == dsl.ExprIdent {
		if ref, ok := ev.lookupNamespace(e.Object.Name); ok {
			return boundMethod{namespace: ref.name, method: e.Property}, nil
		}
	}
	return ev.eval(e)
}

func (ev *evaluator) evalUnary(e *dsl.Expr) (Value, error) {
	v, err := ev.eval(e.Operand)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "!":
		return !IsTruthy(v), nil
	case "-":
		n, ok := v.(float64)
		if !ok {
			return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot negate %s", TypeName(v))}
		}
		return -n, nil
	default:
		return nil, fmt.Errorf("unknown unary operator %q", e.Op)
	}
}

func (ev *evaluator) evalLogical(e *dsl.Expr) (Value, error) {
	left, err := ev.eval(e.Left)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "&&":
		if !IsTruthy(left) {
			return left, nil
		}
		return ev.eval(e.Right)
	case "||":
		if IsTruthy(left) {
			return left, nil
		}
		return ev.eval(e.Right)
	default:
		return nil, fmt.Errorf("unknown logical operator %q", e.Op)
	}
}

func (ev *evaluator) evalBinary(e *dsl.Expr) (Value, error) {
	left, err := ev.eval(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(e.Right)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "==":
		return DeepEqual(left, right), nil
	case "!=":
		return !DeepEqual(left, right), nil
	case "+":
		return evalAdd(left, right)
	case "-", "*", "/":
		return evalArith(e.Op, left, right)
	case "<", ">", "<=", ">=":
		return evalCompare(e.Op, left, right)
	default:
		return nil, fmt.Errorf("unknown binary operator %q", e.Op)
	}
}

// evalAdd implements `+`: numeric addition when both sides are numbers,
// string concatenation when both sides are strings. Mixed operands are
// a TypeError rather than coerced — this grammar has no implicit
// stringification.
func evalAdd(left, right Value) (Value, error) {
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if lok && rok {
		return ln + rn, nil
	}
	ls, lIsStr := left.(string)
	rs, rIsStr := right.(string)
	if lIsStr && rIsStr {
		return ls + rs, nil
	}
	return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot add %s and %s", TypeName(left), TypeName(right))}
}

func evalArith(op string, left, right Value) (Value, error) {
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if !lok || !rok {
		return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot apply %q to %s and %s", op, TypeName(left), TypeName(right))}
	}
	switch op {
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		// Division by zero follows IEEE-754: +Inf/-Inf/NaN, never a panic.
		return ln / rn, nil
	default:
		return nil, fmt.Errorf("unknown arithmetic operator %q", op)
	}
}

// evalCompare implements `<`, `>`, `<=`, `>=`: numeric comparison only.
// Non-numeric operands, including two strings, are a TypeError — this
// grammar defines no lexicographic ordering.
func evalCompare(op string, left, right Value) (Value, error) {
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if lok && rok {
		switch op {
		case "<":
			return ln < rn, nil
		case ">":
			return ln > rn, nil
		case "<=":
			return ln <= rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot compare %s and %s", TypeName(left), TypeName(right))}
}
