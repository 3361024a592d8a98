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

package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/dsl"
)

func mustParse(t *testing.T, src string) *dsl.Program {
	t.Helper()
	prog, err := dsl.Parse(src)
	require.NoError(t, err)
	return prog
}

func TestValidateOK(t *testing.T) {
	prog := mustParse(t, "let x = await Task.run(\"a\")\nreturn x\n")
	assert.NoError(t, Validate(prog))
}

func TestValidateUndefinedIdentifier(t *testing.T) {
	prog := mustParse(t, "return y\n")
	err := Validate(prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined identifier")
}

func TestValidateRedeclaration(t *testing.T) {
	prog := mustParse(t, "let x = 1\nlet x = 2\n")
	err := Validate(prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already declared")
}

func TestValidateShadowingAcrossNestedBlockAllowed(t *testing.T) {
	prog := mustParse(t, "let x = 1\nif (x > 0) {\n  let x = 2\n  return x\n}\n")
	assert.NoError(t, Validate(prog))
}

func TestValidateConstReassignmentRejected(t *testing.T) {
	prog := mustParse(t, "const x = 1\nx = 2\n")
	err := Validate(prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "const")
}

func TestValidateAwaitOutsideAllowedPositionRejected(t *testing.T) {
	prog := mustParse(t, "if (await Task.run(\"a\")) {\n  return 1\n}\n")
	err := Validate(prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "await")
}

func TestValidateBuiltinGlobalsAlwaysDefined(t *testing.T) {
	prog := mustParse(t, "let x = Inputs.name\nlet y = Workflow.id\nreturn x\n")
	assert.NoError(t, Validate(prog))
}

func TestValidateForLoopVarScoped(t *testing.T) {
	prog := mustParse(t, "for (let item in Inputs.items) {\n  let y = item\n}\nreturn item\n")
	err := Validate(prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item")
}
