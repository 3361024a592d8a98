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

// Package schema validates a workflow's declared Inputs shape against a
// JSON-Schema-like document at start_workflow time, so a bad caller
// input is rejected before a root execution row is ever created.
// It supports a deliberately small subset of JSON Schema Draft 7:
// type, properties, required, items, and enum.
package schema

import (
	"encoding/json"
	"fmt"
)

// Validator checks data against a schema document.
type Validator interface {
	Validate(schema map[string]any, data any) error
}

// DefaultValidator is the built-in Validator implementation.
type DefaultValidator struct{}

// NewValidator builds the default validator.
func NewValidator() Validator {
	return &DefaultValidator{}
}

// Validate checks data against schema, returning the first failure.
func (v *DefaultValidator) Validate(schema map[string]any, data any) error {
	return v.validate(schema, data, "$")
}

func (v *DefaultValidator) validate(schema map[string]any, data any, path string) error {
	schemaType, ok := schema["type"].(string)
	if !ok {
		return nil
	}
	if err := v.validateType(schemaType, data, path); err != nil {
		return err
	}
	switch schemaType {
	case "object":
		return v.validateObject(schema, data, path)
	case "array":
		return v.validateArray(schema, data, path)
	case "string":
		return v.validateString(schema, data, path)
	}
	return nil
}

func (v *DefaultValidator) validateType(schemaType string, data any, path string) error {
	switch schemaType {
	case "object":
		if _, ok := data.(map[string]any); !ok {
			return NewValidationError(path, "type", fmt.Sprintf("expected object, got %T", data))
		}
	case "array":
		if _, ok := data.([]any); !ok {
			return NewValidationError(path, "type", fmt.Sprintf("expected array, got %T", data))
		}
	case "string":
		if _, ok := data.(string); !ok {
			return NewValidationError(path, "type", fmt.Sprintf("expected string, got %T", data))
		}
	case "number":
		switch data.(type) {
		case float64, int, int64, float32:
		default:
			return NewValidationError(path, "type", fmt.Sprintf("expected number, got %T", data))
		}
	case "integer":
		switch n := data.(type) {
		case float64:
			if n != float64(int64(n)) {
				return NewValidationError(path, "type", fmt.Sprintf("expected integer, got %v", n))
			}
		case int, int64:
		default:
			return NewValidationError(path, "type", fmt.Sprintf("expected integer, got %T", data))
		}
	case "boolean":
		if _, ok := data.(bool); !ok {
			return NewValidationError(path, "type", fmt.Sprintf("expected boolean, got %T", data))
		}
	default:
		return fmt.Errorf("schema: unsupported type keyword %q", schemaType)
	}
	return nil
}

func (v *DefaultValidator) validateObject(schema map[string]any, data any, path string) error {
	obj, ok := data.(map[string]any)
	if !ok {
		return NewValidationError(path, "type", fmt.Sprintf("expected object, got %T", data))
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, exists := obj[name]; !exists {
				return NewValidationError(path, "required", fmt.Sprintf("missing required field: %s", name))
			}
		}
	}
	if properties, ok := schema["properties"].(map[string]any); ok {
		for name, value := range obj {
			propSchema, ok := properties[name].(map[string]any)
			if !ok {
				continue // extra fields not in the schema are allowed
			}
			if err := v.validate(propSchema, value, fmt.Sprintf("%s.%s", path, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *DefaultValidator) validateArray(schema map[string]any, data any, path string) error {
	arr, ok := data.([]any)
	if !ok {
		return NewValidationError(path, "type", fmt.Sprintf("expected array, got %T", data))
	}
	items, ok := schema["items"].(map[string]any)
	if !ok {
		return nil
	}
	for i, item := range arr {
		if err := v.validate(items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (v *DefaultValidator) validateString(schema map[string]any, data any, path string) error {
	str, ok := data.(string)
	if !ok {
		return NewValidationError(path, "type", fmt.Sprintf("expected string, got %T", data))
	}
	enum, ok := schema["enum"].([]any)
	if !ok {
		return nil
	}
	for _, allowed := range enum {
		if s, ok := allowed.(string); ok && s == str {
			return nil
		}
	}
	enumJSON, _ := json.Marshal(enum)
	return NewValidationError(path, "enum", fmt.Sprintf("value %q not in allowed values: %s", str, enumJSON))
}
