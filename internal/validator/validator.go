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

// Package validator performs static, scope-aware checks over a parsed
// .flow program before it is ever handed to the VM: undefined
// identifiers, redeclaration, const reassignment, and await used
// outside of the statement positions the runtime knows how to suspend
// at. All of these are compile-time concerns precisely because the VM
// has no backtracking — a program that could fail mid-execution on one
// of these must instead fail before a single execution row is created.
package validator

import (
	"fmt"

	"github.com/durableflow/flow/internal/dsl"
	flowerrors "github.com/durableflow/flow/pkg/errors"
)

// globals are the always-defined top-level bindings every .flow program
// executes with, supplied by the host rather than declared in source.
var globals = []string{"Inputs", "Task", "Time", "Math", "Workflow", "Context", "Signal"}

type scope struct {
	parent *scope
	vars   map[string]bool // name -> isConst
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, vars: map[string]bool{}}
}

func (s *scope) declare(name string, isConst bool) bool {
	if _, ok := s.vars[name]; ok {
		return false
	}
	s.vars[name] = isConst
	return true
}

func (s *scope) lookup(name string) (isConst bool, found bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if c, ok := cur.vars[name]; ok {
			return c, true
		}
	}
	return false, false
}

// awaitPosition describes where in a statement a parser-accepted
// `await` expression was found, so Validate can tell a legal
// `let x = await f()` from an illegal `if (await f())`.
type awaitPosition int

const (
	awaitNotAllowed awaitPosition = iota
	awaitAllowed
)

// Validate walks prog and returns the first violation found as a
// *pkg/errors.ValidationError, or nil if the program is well-formed.
func Validate(prog *dsl.Program) error {
	root := newScope(nil)
	for _, g := range globals {
		root.declare(g, true)
	}
	v := &validator{}
	return v.validateBlock(prog.Body, root)
}

type validator struct{}

func (v *validator) validateBlock(stmts []dsl.Stmt, parent *scope) error {
	sc := newScope(parent)
	for _, stmt := range stmts {
		if err := v.validateStmt(stmt, sc); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateStmt(stmt dsl.Stmt, sc *scope) error {
	switch stmt.Kind {
	case dsl.StmtLet:
		if stmt.Init != nil {
			pos := awaitNotAllowed
			if stmt.HasAwait {
				pos = awaitAllowed
			}
			if err := v.validateExpr(stmt.Init, sc, pos); err != nil {
				return err
			}
		}
		if !sc.declare(stmt.Name, stmt.IsConst) {
			return declErr(stmt.Pos, stmt.Name)
		}
		return nil

	case dsl.StmtAssign:
		if err := v.checkAssignTarget(stmt.Pos, stmt.Target, sc); err != nil {
			return err
		}
		pos := awaitNotAllowed
		if stmt.HasAwait {
			pos = awaitAllowed
		}
		return v.validateExpr(stmt.Init, sc, pos)

	case dsl.StmtExpr:
		return v.validateExpr(stmt.Expr, sc, awaitAllowed)

	case dsl.StmtIf:
		if err := v.validateExpr(stmt.Cond, sc, awaitNotAllowed); err != nil {
			return err
		}
		if err := v.validateBlock(stmt.Then, sc); err != nil {
			return err
		}
		return v.validateBlock(stmt.Else, sc)

	case dsl.StmtWhile:
		if err := v.validateExpr(stmt.Cond, sc, awaitNotAllowed); err != nil {
			return err
		}
		return v.validateBlock(stmt.Body, sc)

	case dsl.StmtFor:
		if err := v.validateExpr(stmt.Iterable, sc, awaitNotAllowed); err != nil {
			return err
		}
		body := newScope(sc)
		body.declare(stmt.LoopVar, false)
		for _, s := range stmt.Body {
			if err := v.validateStmt(s, body); err != nil {
				return err
			}
		}
		return nil

	case dsl.StmtReturn:
		if stmt.Value == nil {
			return nil
		}
		pos := awaitNotAllowed
		if stmt.HasAwait {
			pos = awaitAllowed
		}
		return v.validateExpr(stmt.Value, sc, pos)

	case dsl.StmtBreak, dsl.StmtContinue:
		return nil

	case dsl.StmtTry:
		if err := v.validateBlock(stmt.TryBlock, sc); err != nil {
			return err
		}
		if stmt.HasCatch {
			catchScope := newScope(sc)
			catchScope.declare(stmt.CatchName, false)
			for _, s := range stmt.CatchBlock {
				if err := v.validateStmt(s, catchScope); err != nil {
					return err
				}
			}
		}
		if stmt.HasFinally {
			if err := v.validateBlock(stmt.FinallyBlock, sc); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}

func (v *validator) checkAssignTarget(pos dsl.Pos, target *dsl.AssignTarget, sc *scope) error {
	isConst, found := sc.lookup(target.Name)
	if !found {
		return undefErr(pos, target.Name)
	}
	if isConst && len(target.Path) == 0 {
		return &flowerrors.ValidationError{
			Field:      target.Name,
			Message:    fmt.Sprintf("cannot assign to const %q at %d:%d", target.Name, pos.Line, pos.Column),
			Suggestion: "declare with 'let' instead of 'const' if this binding needs to change",
		}
	}
	return nil
}

// validateExpr walks e looking for undefined identifiers and
// out-of-position awaits. allowAwait governs only the await directly at
// e's own position — nested sub-expressions of e are never a legal
// await position, matching the grammar's "statement-level await only"
// rule: `await` is permitted as a whole expression statement or as the
// entire RHS of a let/assign/return, not buried inside a larger
// expression.
func (v *validator) validateExpr(e *dsl.Expr, sc *scope, pos awaitPosition) error {
	if e == nil {
		return nil
	}
	if e.Kind == dsl.ExprAwait && pos != awaitAllowed {
		return &flowerrors.ValidationError{
			Field:      "await",
			Message:    fmt.Sprintf("await is only allowed as an expression statement or the direct value of a let, assignment, or return at %d:%d", e.Pos.Line, e.Pos.Column),
			Suggestion: "bind the awaited value with 'let x = await ...' first",
		}
	}

	switch e.Kind {
	case dsl.ExprIdent:
		if _, found := sc.lookup(e.Name); !found {
			return undefErr(e.Pos, e.Name)
		}
		return nil
	case dsl.ExprMember, dsl.ExprOptMember:
		return v.validateExpr(e.Object, sc, awaitNotAllowed)
	case dsl.ExprCall:
		if err := v.validateExpr(e.Callee, sc, awaitNotAllowed); err != nil {
			return err
		}
		for _, a := range e.Args {
			if err := v.validateExpr(a, sc, awaitNotAllowed); err != nil {
				return err
			}
		}
		return nil
	case dsl.ExprUnary:
		return v.validateExpr(e.Operand, sc, awaitNotAllowed)
	case dsl.ExprAwait:
		return v.validateExpr(e.Operand, sc, awaitNotAllowed)
	case dsl.ExprBinary, dsl.ExprLogical, dsl.ExprNullish:
		if err := v.validateExpr(e.Left, sc, awaitNotAllowed); err != nil {
			return err
		}
		return v.validateExpr(e.Right, sc, awaitNotAllowed)
	case dsl.ExprTernary:
		if err := v.validateExpr(e.Test, sc, awaitNotAllowed); err != nil {
			return err
		}
		if err := v.validateExpr(e.Cons, sc, awaitNotAllowed); err != nil {
			return err
		}
		return v.validateExpr(e.Alt, sc, awaitNotAllowed)
	case dsl.ExprArray:
		for _, elem := range e.Elements {
			if err := v.validateExpr(elem, sc, awaitNotAllowed); err != nil {
				return err
			}
		}
		return nil
	case dsl.ExprObject:
		for _, val := range e.Values {
			if err := v.validateExpr(val, sc, awaitNotAllowed); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func undefErr(pos dsl.Pos, name string) error {
	return &flowerrors.ValidationError{
		Field:      name,
		Message:    fmt.Sprintf("undefined identifier %q at %d:%d", name, pos.Line, pos.Column),
		Suggestion: "declare it with 'let' before use, or check for a typo",
	}
}

func declErr(pos dsl.Pos, name string) error {
	return &flowerrors.ValidationError{
		Field:      name,
		Message:    fmt.Sprintf("%q is already declared in this scope at %d:%d", name, pos.Line, pos.Column),
		Suggestion: "choose a different name, or drop the redundant declaration",
	}
}
