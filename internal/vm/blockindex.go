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

// blockIndex addresses every statement block reachable from a Program
// by a stable string path, so a Frame can reference "the block at this
// address" in a snapshot without embedding the AST itself. The index is
// rebuilt from the (immutable, content-addressed) source every time a
// definition is loaded — it is never persisted.
type blockIndex struct {
	blocks map[string][]dsl.Stmt
}

const rootBlockPath = ""

func buildBlockIndex(prog *dsl.Program) *blockIndex {
	bi := &blockIndex{blocks: map[string][]dsl.Stmt{}}
	bi.index(rootBlockPath, prog.Body)
	return bi
}

func (bi *blockIndex) index(path string, stmts []dsl.Stmt) {
	bi.blocks[path] = stmts
	for i, s := range stmts {
		switch s.Kind {
		case dsl.StmtIf:
			bi.index(childPath(path, i, "then"), s.Then)
			if s.Else != nil {
				bi.index(childPath(path, i, "else"), s.Else)
			}
		case dsl.StmtFor, dsl.StmtWhile:
			bi.index(childPath(path, i, "body"), s.Body)
		case dsl.StmtTry:
			bi.index(childPath(path, i, "try"), s.TryBlock)
			if s.HasCatch {
				bi.index(childPath(path, i, "catch"), s.CatchBlock)
			}
			if s.HasFinally {
				bi.index(childPath(path, i, "finally"), s.FinallyBlock)
			}
		}
	}
}

func childPath(parent string, idx int, branch string) string {
	return fmt.Sprintf("%s/%d.%s", parent, idx, branch)
}

// block returns the statement slice at path, or nil if the path is
// stale (should never happen for a snapshot paired with its own
// definition's version hash).
func (bi *blockIndex) block(path string) []dsl.Stmt {
	return bi.blocks[path]
}
