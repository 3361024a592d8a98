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

package dsl

import (
	"fmt"
	"strconv"
	"strings"

	flowerrors "github.com/durableflow/flow/pkg/errors"
)

// Parse lexes and parses src into a Program. Parsing is pure: identical
// bytes always produce an identical AST and never a partial one — on
// error, Parse returns a nil Program and a *pkg/errors.ParseError.
func Parse(src string) (*Program, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	p.skipNewlines()
	var body []Stmt
	for !p.at(TokEOF) {
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
		if err := p.endStmt(); err != nil {
			return nil, err
		}
	}
	return &Program{Body: body}, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) cur() Token  { return p.toks[p.pos] }
func (p *parser) at(k TokenKind) bool { return p.cur().Kind == k }

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...interface{}) error {
	t := p.cur()
	return &flowerrors.ParseError{Line: t.Line, Column: t.Column, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(k TokenKind, what string) (Token, error) {
	if !p.at(k) {
		return Token{}, p.errorf("expected %s, found %q", what, p.cur().Lit)
	}
	return p.advance(), nil
}

func (p *parser) skipNewlines() {
	for p.at(TokNewline) {
		p.advance()
	}
}

// endStmt requires at least one newline or EOF between statements — this
// is what makes "multiple statements on one line" a parse error.
func (p *parser) endStmt() error {
	if p.at(TokEOF) {
		return nil
	}
	if !p.at(TokNewline) {
		return p.errorf("expected newline after statement, found %q", p.cur().Lit)
	}
	p.skipNewlines()
	return nil
}

func (p *parser) parseBlockStmts(until TokenKind) ([]Stmt, error) {
	p.skipNewlines()
	var stmts []Stmt
	for !p.at(until) && !p.at(TokEOF) {
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
		if p.at(until) {
			break
		}
		if err := p.endStmt(); err != nil {
			return nil, err
		}
	}
	return stmts, nil
}

func (p *parser) parseBracedBlock() ([]Stmt, error) {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	stmts, err := p.parseBlockStmts(TokRBrace)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return stmts, nil
}

func (p *parser) parseStmt() (Stmt, error) {
	tok := p.cur()
	switch tok.Kind {
	case TokLet, TokConst:
		return p.parseLet()
	case TokIf:
		return p.parseIf()
	case TokFor:
		return p.parseFor()
	case TokWhile:
		return p.parseWhile()
	case TokReturn:
		return p.parseReturn()
	case TokBreak:
		p.advance()
		return Stmt{Kind: StmtBreak, Pos: Pos{tok.Line, tok.Column}}, nil
	case TokContinue:
		p.advance()
		return Stmt{Kind: StmtContinue, Pos: Pos{tok.Line, tok.Column}}, nil
	case TokTry:
		return p.parseTry()
	default:
		return p.parseAssignOrExpr()
	}
}

func (p *parser) parseLet() (Stmt, error) {
	tok := p.advance() // let|const
	isConst := tok.Kind == TokConst
	name, err := p.expect(TokIdent, "identifier")
	if err != nil {
		return Stmt{}, err
	}
	stmt := Stmt{Kind: StmtLet, Pos: Pos{tok.Line, tok.Column}, Name: name.Lit, IsConst: isConst}
	if p.at(TokAssign) {
		p.advance()
		awaitTok := p.at(TokAwait)
		e, err := p.parseAssignRHS()
		if err != nil {
			return Stmt{}, err
		}
		stmt.Init = e
		stmt.HasAwait = awaitTok
	} else if isConst {
		return Stmt{}, p.errorf("const %q requires an initializer", name.Lit)
	}
	return stmt, nil
}

// parseAssignRHS parses the right-hand side of a let/const initializer,
// assignment, or return as a full expression. `await` binds at unary
// precedence (see parseUnary), so `await f() + 1` parses as
// `(await f()) + 1`.
func (p *parser) parseAssignRHS() (*Expr, error) {
	return p.parseExpr()
}

func (p *parser) parseAssignOrExpr() (Stmt, error) {
	startPos := Pos{p.cur().Line, p.cur().Column}
	e, err := p.parseExpr()
	if err != nil {
		return Stmt{}, err
	}
	if p.at(TokAssign) {
		target, err := exprToAssignTarget(e)
		if err != nil {
			return Stmt{}, p.errorf("%s", err.Error())
		}
		p.advance()
		awaitTok := p.at(TokAwait)
		rhs, err := p.parseAssignRHS()
		if err != nil {
			return Stmt{}, err
		}
		return Stmt{Kind: StmtAssign, Pos: startPos, Target: target, Init: rhs, HasAwait: awaitTok}, nil
	}
	return Stmt{Kind: StmtExpr, Pos: startPos, Expr: e}, nil
}

func exprToAssignTarget(e *Expr) (*AssignTarget, error) {
	switch e.Kind {
	case ExprIdent:
		return &AssignTarget{Name: e.Name}, nil
	case ExprMember:
		path, root, err := memberPath(e)
		if err != nil {
			return nil, err
		}
		return &AssignTarget{Name: root, Path: path}, nil
	default:
		return nil, fmt.Errorf("invalid assignment target")
	}
}

func memberPath(e *Expr) ([]string, string, error) {
	var path []string
	cur := e
	for cur.Kind == ExprMember {
		path = append([]string{cur.Property}, path...)
		cur = cur.Object
	}
	if cur.Kind != ExprIdent {
		return nil, "", fmt.Errorf("invalid assignment target")
	}
	return path, cur.Name, nil
}

func (p *parser) parseIf() (Stmt, error) {
	tok := p.advance() // if
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return Stmt{}, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return Stmt{}, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return Stmt{}, err
	}
	then, err := p.parseBracedBlock()
	if err != nil {
		return Stmt{}, err
	}
	stmt := Stmt{Kind: StmtIf, Pos: Pos{tok.Line, tok.Column}, Cond: cond, Then: then}

	save := p.pos
	p.skipNewlines()
	if p.at(TokElse) {
		p.advance()
		if p.at(TokIf) {
			elseIf, err := p.parseIf()
			if err != nil {
				return Stmt{}, err
			}
			stmt.Else = []Stmt{elseIf}
		} else {
			elseBlock, err := p.parseBracedBlock()
			if err != nil {
				return Stmt{}, err
			}
			stmt.Else = elseBlock
		}
	} else {
		p.pos = save
	}
	return stmt, nil
}

func (p *parser) parseFor() (Stmt, error) {
	tok := p.advance() // for
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return Stmt{}, err
	}
	if _, err := p.expect(TokLet, "'let'"); err != nil {
		return Stmt{}, err
	}
	name, err := p.expect(TokIdent, "loop variable")
	if err != nil {
		return Stmt{}, err
	}
	if _, err := p.expect(TokIn, "'in'"); err != nil {
		return Stmt{}, err
	}
	iter, err := p.parseExpr()
	if err != nil {
		return Stmt{}, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return Stmt{}, err
	}
	body, err := p.parseBracedBlock()
	if err != nil {
		return Stmt{}, err
	}
	return Stmt{Kind: StmtFor, Pos: Pos{tok.Line, tok.Column}, LoopVar: name.Lit, Iterable: iter, Body: body}, nil
}

func (p *parser) parseWhile() (Stmt, error) {
	tok := p.advance() // while
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return Stmt{}, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return Stmt{}, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return Stmt{}, err
	}
	body, err := p.parseBracedBlock()
	if err != nil {
		return Stmt{}, err
	}
	return Stmt{Kind: StmtWhile, Pos: Pos{tok.Line, tok.Column}, Cond: cond, Body: body}, nil
}

func (p *parser) parseReturn() (Stmt, error) {
	tok := p.advance() // return
	stmt := Stmt{Kind: StmtReturn, Pos: Pos{tok.Line, tok.Column}}
	if p.at(TokNewline) || p.at(TokEOF) || p.at(TokRBrace) {
		return stmt, nil
	}
	v, err := p.parseAssignRHS()
	if err != nil {
		return Stmt{}, err
	}
	stmt.Value = v
	if v.Kind == ExprAwait {
		stmt.HasAwait = true
	}
	return stmt, nil
}

func (p *parser) parseTry() (Stmt, error) {
	tok := p.advance() // try
	tryBlock, err := p.parseBracedBlock()
	if err != nil {
		return Stmt{}, err
	}
	stmt := Stmt{Kind: StmtTry, Pos: Pos{tok.Line, tok.Column}, TryBlock: tryBlock}

	p.skipNewlines()
	if p.at(TokCatch) {
		p.advance()
		if _, err := p.expect(TokLParen, "'('"); err != nil {
			return Stmt{}, err
		}
		name, err := p.expect(TokIdent, "catch binding")
		if err != nil {
			return Stmt{}, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return Stmt{}, err
		}
		block, err := p.parseBracedBlock()
		if err != nil {
			return Stmt{}, err
		}
		stmt.HasCatch = true
		stmt.CatchName = name.Lit
		stmt.CatchBlock = block
	}

	save := p.pos
	p.skipNewlines()
	if p.at(TokFinally) {
		p.advance()
		block, err := p.parseBracedBlock()
		if err != nil {
			return Stmt{}, err
		}
		stmt.HasFinally = true
		stmt.FinallyBlock = block
	} else {
		p.pos = save
	}

	if !stmt.HasCatch && !stmt.HasFinally {
		return Stmt{}, p.errorf("try requires a catch or finally clause")
	}
	return stmt, nil
}

// ---- Expressions ----
//
// Precedence, low to high:
//   ternary  ?:
//   nullish  ??
//   logical  || &&
//   equality == !=
//   relational < > <= >=
//   additive + -
//   multiplicative * /
//   unary ! -
//   postfix (member/call/optional chaining)
//   primary

func (p *parser) parseExpr() (*Expr, error) {
	return p.parseTernary()
}

func (p *parser) parseTernary() (*Expr, error) {
	test, err := p.parseNullish()
	if err != nil {
		return nil, err
	}
	if p.at(TokQuestion) {
		pos := test.Pos
		p.advance()
		cons, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokColon, "':'"); err != nil {
			return nil, err
		}
		alt, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprTernary, Pos: pos, Test: test, Cons: cons, Alt: alt}, nil
	}
	return test, nil
}

func (p *parser) parseNullish() (*Expr, error) {
	left, err := p.parseLogical()
	if err != nil {
		return nil, err
	}
	for p.at(TokNullish) {
		pos := left.Pos
		p.advance()
		right, err := p.parseLogical()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprNullish, Pos: pos, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseLogical() (*Expr, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.at(TokAnd) || p.at(TokOr) {
		op := p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprLogical, Pos: left.Pos, Op: op.Lit, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (*Expr, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.at(TokEq) || p.at(TokNotEq) {
		op := p.advance()
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprBinary, Pos: left.Pos, Op: op.Lit, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseRelational() (*Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.at(TokLt) || p.at(TokGt) || p.at(TokLtEq) || p.at(TokGtEq) {
		op := p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprBinary, Pos: left.Pos, Op: op.Lit, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (*Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.at(TokPlus) || p.at(TokMinus) {
		op := p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprBinary, Pos: left.Pos, Op: op.Lit, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (*Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.at(TokStar) || p.at(TokSlash) {
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprBinary, Pos: left.Pos, Op: op.Lit, Left: left, Right: right}
	}
	return left, nil
}

// parseUnary also binds a bare `await` at unary precedence when it shows
// up somewhere other than assignment/declaration/return RHS position
// (e.g. `await f() + 1`): the validator is responsible for rejecting
// such positions, not the parser, so the grammar stays permissive here.
func (p *parser) parseUnary() (*Expr, error) {
	if p.at(TokBang) || p.at(TokMinus) {
		op := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprUnary, Pos: Pos{op.Line, op.Column}, Op: op.Lit, Operand: operand}, nil
	}
	if p.at(TokAwait) {
		tok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprAwait, Pos: Pos{tok.Line, tok.Column}, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (*Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.at(TokDot):
			pos := e.Pos
			p.advance()
			name, err := p.expect(TokIdent, "property name")
			if err != nil {
				return nil, err
			}
			e = &Expr{Kind: ExprMember, Pos: pos, Object: e, Property: name.Lit}
		case p.at(TokOptDot):
			pos := e.Pos
			p.advance()
			name, err := p.expect(TokIdent, "property name")
			if err != nil {
				return nil, err
			}
			e = &Expr{Kind: ExprOptMember, Pos: pos, Object: e, Property: name.Lit}
		case p.at(TokLParen):
			pos := e.Pos
			p.advance()
			var args []*Expr
			if !p.at(TokRParen) {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if !p.at(TokComma) {
						break
					}
					p.advance()
				}
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			e = &Expr{Kind: ExprCall, Pos: pos, Callee: e, Args: args}
		default:
			return e, nil
		}
	}
}

func (p *parser) parsePrimary() (*Expr, error) {
	tok := p.cur()
	pos := Pos{tok.Line, tok.Column}
	switch tok.Kind {
	case TokNumber:
		p.advance()
		n, err := parseNumberLiteral(tok.Lit)
		if err != nil {
			return nil, &flowerrors.ParseError{Line: tok.Line, Column: tok.Column, Message: err.Error()}
		}
		return &Expr{Kind: ExprNumber, Pos: pos, NumVal: n}, nil
	case TokString:
		p.advance()
		return &Expr{Kind: ExprString, Pos: pos, StrVal: tok.Lit}, nil
	case TokBoolean:
		p.advance()
		return &Expr{Kind: ExprBool, Pos: pos, BoolVal: tok.Lit == "true"}, nil
	case TokNull:
		p.advance()
		return &Expr{Kind: ExprNull, Pos: pos}, nil
	case TokIdent:
		p.advance()
		return &Expr{Kind: ExprIdent, Pos: pos, Name: tok.Lit}, nil
	case TokLParen:
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	case TokLBracket:
		return p.parseArrayLit()
	case TokLBrace:
		return p.parseObjectLit()
	default:
		return nil, p.errorf("unexpected token %q", tok.Lit)
	}
}

func (p *parser) parseArrayLit() (*Expr, error) {
	tok := p.advance() // [
	pos := Pos{tok.Line, tok.Column}
	var elems []*Expr
	p.skipNewlines()
	for !p.at(TokRBracket) {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		p.skipNewlines()
		if p.at(TokComma) {
			p.advance()
			p.skipNewlines()
			continue
		}
		break
	}
	p.skipNewlines()
	if _, err := p.expect(TokRBracket, "']'"); err != nil {
		return nil, err
	}
	return &Expr{Kind: ExprArray, Pos: pos, Elements: elems}, nil
}

func (p *parser) parseObjectLit() (*Expr, error) {
	tok := p.advance() // {
	pos := Pos{tok.Line, tok.Column}
	var keys []string
	var values []*Expr
	p.skipNewlines()
	for !p.at(TokRBrace) {
		var key string
		switch {
		case p.at(TokIdent):
			key = p.advance().Lit
		case p.at(TokString):
			key = p.advance().Lit
		default:
			return nil, p.errorf("expected object key, found %q", p.cur().Lit)
		}
		if p.at(TokColon) {
			p.advance()
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			values = append(values, v)
		} else {
			// property shorthand: { key } == { key: key }
			keys = append(keys, key)
			values = append(values, &Expr{Kind: ExprIdent, Pos: pos, Name: key})
		}
		p.skipNewlines()
		if p.at(TokComma) {
			p.advance()
			p.skipNewlines()
			continue
		}
		break
	}
	p.skipNewlines()
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return &Expr{Kind: ExprObject, Pos: pos, Keys: keys, Values: values}, nil
}

// parseNumberLiteral decodes decimal (with '_' separators and leading/
// trailing dots), hex (0x...), and binary (0b...) number literals.
func parseNumberLiteral(lit string) (float64, error) {
	clean := strings.ReplaceAll(lit, "_", "")
	switch {
	case strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X"):
		v, err := strconv.ParseInt(clean[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hex literal %q", lit)
		}
		return float64(v), nil
	case strings.HasPrefix(clean, "0b") || strings.HasPrefix(clean, "0B"):
		v, err := strconv.ParseInt(clean[2:], 2, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid binary literal %q", lit)
		}
		return float64(v), nil
	default:
		if strings.HasPrefix(clean, ".") {
			clean = "0" + clean
		}
		if strings.HasSuffix(clean, ".") {
			clean = clean + "0"
		}
		v, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number literal %q", lit)
		}
		return v, nil
	}
}
