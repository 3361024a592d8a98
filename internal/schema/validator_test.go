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

package schema_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/schema"
)

func TestValidateObjectRequiredField(t *testing.T) {
	v := schema.NewValidator()
	s := map[string]any{
		"type":     "object",
		"required": []any{"to"},
		"properties": map[string]any{
			"to": map[string]any{"type": "string"},
		},
	}

	err := v.Validate(s, map[string]any{})
	require.Error(t, err)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "required", ve.Keyword)

	err = v.Validate(s, map[string]any{"to": "a@example.com"})
	assert.NoError(t, err)
}

func TestValidateTypeMismatch(t *testing.T) {
	v := schema.NewValidator()
	s := map[string]any{"type": "string"}

	err := v.Validate(s, 42)
	require.Error(t, err)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "type", ve.Keyword)
}

func TestValidateIntegerAcceptsWholeFloat(t *testing.T) {
	v := schema.NewValidator()
	s := map[string]any{"type": "integer"}

	assert.NoError(t, v.Validate(s, float64(3)))

	err := v.Validate(s, float64(3.5))
	require.Error(t, err)
}

func TestValidateArrayItems(t *testing.T) {
	v := schema.NewValidator()
	s := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "number"},
	}

	assert.NoError(t, v.Validate(s, []any{float64(1), float64(2)}))

	err := v.Validate(s, []any{float64(1), "nope"})
	require.Error(t, err)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "$[1]", ve.Path)
}

func TestValidateStringEnum(t *testing.T) {
	v := schema.NewValidator()
	s := map[string]any{
		"type": "string",
		"enum": []any{"low", "medium", "high"},
	}

	assert.NoError(t, v.Validate(s, "medium"))

	err := v.Validate(s, "urgent")
	require.Error(t, err)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "enum", ve.Keyword)
}

func TestValidateNestedObjectProperty(t *testing.T) {
	v := schema.NewValidator()
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"priority": map[string]any{
				"type": "string",
				"enum": []any{"low", "high"},
			},
		},
	}

	err := v.Validate(s, map[string]any{"priority": "medium"})
	require.Error(t, err)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "$.priority", ve.Path)
}

func TestValidateUntypedSchemaAlwaysPasses(t *testing.T) {
	v := schema.NewValidator()
	assert.NoError(t, v.Validate(map[string]any{}, "anything"))
}

func TestValidationErrorIs(t *testing.T) {
	a := schema.NewValidationError("$.to", "required", "missing required field: to")
	b := schema.NewValidationError("$.to", "required", "a different message")
	c := schema.NewValidationError("$.to", "type", "missing required field: to")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
