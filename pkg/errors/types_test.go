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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	flowerrors "github.com/durableflow/flow/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &flowerrors.ValidationError{
				Field:      "queue",
				Message:    "required field is missing",
				Suggestion: "pass --queue",
			},
			wantMsg: "validation failed on queue: required field is missing",
		},
		{
			name: "without field",
			err: &flowerrors.ValidationError{
				Message:    "inputs do not match input_schema",
				Suggestion: "check the registered schema",
			},
			wantMsg: "validation failed: inputs do not match input_schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "workflow not found",
			err: &flowerrors.NotFoundError{
				Resource: "workflow",
				ID:       "my-workflow",
			},
			wantMsg: "workflow not found: my-workflow",
		},
		{
			name: "execution not found",
			err: &flowerrors.NotFoundError{
				Resource: "execution",
				ID:       "exec-123",
			},
			wantMsg: "execution not found: exec-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestParseError_Error(t *testing.T) {
	err := &flowerrors.ParseError{Line: 4, Column: 12, Message: "unexpected token"}
	want := "parse error at 4:12: unexpected token"
	if got := err.Error(); got != want {
		t.Errorf("ParseError.Error() = %q, want %q", got, want)
	}
}

func TestStoreError_Error(t *testing.T) {
	cause := errors.New("connection reset")
	err := &flowerrors.StoreError{Op: "claim_execution", Retryable: true, Cause: cause}
	want := "store: claim_execution: connection reset"
	if got := err.Error(); got != want {
		t.Errorf("StoreError.Error() = %q, want %q", got, want)
	}
	if got := err.Unwrap(); got != cause {
		t.Errorf("StoreError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTaskError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.TaskError
		wantMsg string
	}{
		{
			name:    "with kind",
			err:     &flowerrors.TaskError{Kind: "TaskError", Message: "send_email failed"},
			wantMsg: "TaskError: send_email failed",
		},
		{
			name:    "without kind",
			err:     &flowerrors.TaskError{Message: "boom"},
			wantMsg: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("TaskError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &flowerrors.ConfigError{
				Key:    "backend.postgres.connection_string",
				Reason: "is required when backend.type is postgres",
			},
			wantMsg: "config error at backend.postgres.connection_string: is required when backend.type is postgres",
		},
		{
			name: "without key",
			err: &flowerrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &flowerrors.ConfigError{
		Key:    "config",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.TimeoutError
		want    []string
	}{
		{
			name: "claim poll timeout",
			err: &flowerrors.TimeoutError{
				Operation: "flowctl exec wait",
				Duration:  30 * time.Second,
			},
			want: []string{"flowctl exec wait", "30s"},
		},
		{
			name: "workflow step timeout",
			err: &flowerrors.TimeoutError{
				Operation: "task dispatch",
				Duration:  2 * time.Minute,
			},
			want: []string{"task dispatch", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &flowerrors.TimeoutError{
		Operation: "test",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &flowerrors.ValidationError{
			Field:   "inputs",
			Message: "invalid format",
		}
		wrapped := fmt.Errorf("start_workflow: %w", original)

		var target *flowerrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "inputs" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "inputs")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &flowerrors.NotFoundError{
			Resource: "workflow",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading workflow: %w", original)

		var target *flowerrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "workflow" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "workflow")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &flowerrors.ConfigError{
			Key:    "backend.sqlite.path",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *flowerrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &flowerrors.TimeoutError{
			Operation: "test",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *flowerrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &flowerrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &flowerrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
