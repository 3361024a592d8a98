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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Register and start .flow workflow definitions",
	}
	cmd.AddCommand(newWorkflowRegisterCommand())
	cmd.AddCommand(newWorkflowStartCommand())
	return cmd
}

func newWorkflowRegisterCommand() *cobra.Command {
	var inputSchemaPath string
	cmd := &cobra.Command{
		Use:   "register <name> <file.flow>",
		Short: "Compile and register a .flow source file under name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			source, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			req := map[string]any{"name": name, "source": string(source)}
			if inputSchemaPath != "" {
				schema, err := os.ReadFile(inputSchemaPath)
				if err != nil {
					return fmt.Errorf("read %s: %w", inputSchemaPath, err)
				}
				req["input_schema"] = json.RawMessage(schema)
			}

			var def any
			c := newClient(addr)
			if err := c.do(cmd.Context(), "POST", "/v1/workflows", req, &def); err != nil {
				return err
			}
			return printJSON(def)
		},
	}
	cmd.Flags().StringVar(&inputSchemaPath, "input-schema", "", "path to a JSON Schema document validating start_workflow Inputs")
	return cmd
}

func newWorkflowStartCommand() *cobra.Command {
	var (
		inputJSON      string
		versionHash    string
		queue          string
		maxAttempts    int
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a new execution of the given registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var inputs any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &inputs); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}

			req := map[string]any{
				"version_hash":    versionHash,
				"inputs":          inputs,
				"queue":           queue,
				"max_attempts":    maxAttempts,
				"idempotency_key": idempotencyKey,
			}

			var exec any
			c := newClient(addr)
			if err := c.do(cmd.Context(), "POST", "/v1/workflows/"+name+"/executions", req, &exec); err != nil {
				return err
			}
			return printJSON(exec)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON-encoded Inputs value")
	cmd.Flags().StringVar(&versionHash, "version", "", "version_hash to bind to (default: latest registered)")
	cmd.Flags().StringVar(&queue, "queue", "", "queue to enqueue onto (default: default)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum claim attempts before a terminal failure (default: 1)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key for repeated starts")
	return cmd
}
