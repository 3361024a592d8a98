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

// Package vm implements the resumable stack machine that executes a
// parsed .flow program. The machine never uses a host goroutine or
// channel to represent an in-progress workflow: every suspension point
// serializes to a JSON snapshot (Frames + Env + Control + AwaitCapsule)
// that can be loaded back into a fresh VM value on any worker, at any
// time, with identical resulting behavior. There is no replay — the
// machine's state IS the snapshot, not a log it recomputes from.
package vm

import (
	"fmt"
	"math"
)

// Value is a .flow runtime value. It is always one of: nil, bool,
// float64, string, []Value, or map[string]Value — the same closed set
// JSON can represent, so a Value always round-trips through the store
// without a custom encoding.
type Value = interface{}

// IsTruthy implements .flow's truthiness: nil, false, 0, NaN, and ""
// are falsy; everything else (including empty arrays/objects) is truthy.
func IsTruthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}

// DeepEqual implements .flow's `==`: structural equality for arrays and
// objects, value equality for scalars, and NaN != NaN per IEEE-754.
func DeepEqual(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(av) || math.IsNaN(bv) {
			return false
		}
		return av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []Value:
		bv, ok := b.([]Value)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]Value:
		bv, ok := b.(map[string]Value)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !DeepEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// TypeName returns the .flow runtime type name of v, used in TaskError
// messages raised by the evaluator.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []Value:
		return "array"
	case map[string]Value:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// GetProperty reads a member access. A missing key on an object, array,
// or string raises a PropertyError, matching `.` semantics — a .flow
// program reaches for `?.` when it wants "absent means null" instead of
// a failure. optional is true only for the `?.` operator's own lookup,
// in which case a missing key yields null rather than raising; it does
// not affect the NullReference/TypeError cases, which `?.` already
// short-circuits around at its call site for a nil object.
func GetProperty(obj Value, prop string, optional bool) (Value, error) {
	switch o := obj.(type) {
	case nil:
		return nil, &RuntimeError{Kind: "NullReference", Message: fmt.Sprintf("cannot read property %q of null", prop)}
	case map[string]Value:
		if v, ok := o[prop]; ok {
			return v, nil
		}
	case []Value:
		if prop == "length" {
			return float64(len(o)), nil
		}
	case string:
		if prop == "length" {
			return float64(len([]rune(o))), nil
		}
	default:
		return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot read property %q of %s", prop, TypeName(obj))}
	}
	if optional {
		return nil, nil
	}
	return nil, &RuntimeError{Kind: "PropertyError", Message: fmt.Sprintf("property %q does not exist on %s", prop, TypeName(obj))}
}

// SetProperty assigns through a property path onto the root value stored
// under path[0]'s container, mutating nested maps in place. Only object
// (map) targets are supported for assignment, matching the grammar's
// `a.b.c = ...` form.
func SetProperty(root Value, path []string, value Value) (Value, error) {
	if len(path) == 0 {
		return value, nil
	}
	obj, ok := root.(map[string]Value)
	if !ok {
		if root == nil {
			obj = map[string]Value{}
		} else {
			return nil, &RuntimeError{Kind: "TypeError", Message: fmt.Sprintf("cannot assign into %s", TypeName(root))}
		}
	}
	if len(path) == 1 {
		obj[path[0]] = value
		return obj, nil
	}
	child := obj[path[0]]
	newChild, err := SetProperty(child, path[1:], value)
	if err != nil {
		return nil, err
	}
	obj[path[0]] = newChild
	return obj, nil
}

// RuntimeError is a .flow-level thrown value shaped error: it carries a
// Kind (e.g. "TypeError", "NullReference") that becomes the `kind` field
// of the TaskError surfaced to Inputs/try-catch when it is uncaught.
type RuntimeError struct {
	Kind    string
	Message string
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// ToThrown converts a RuntimeError into the object shape a `catch (err)`
// binding observes: {kind, message}.
func (e *RuntimeError) ToThrown() Value {
	return map[string]Value{"kind": e.Kind, "message": e.Message}
}
