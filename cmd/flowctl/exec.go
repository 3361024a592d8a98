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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// execView is the subset of store.Execution fields flowctl needs to
// decide whether a polled execution has reached a terminal state.
type execView struct {
	ID     string `json:"ID"`
	Status string `json:"Status"`
	Output any    `json:"Output"`
}

var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Inspect, wait on, and cancel executions",
	}
	cmd.AddCommand(newExecGetCommand())
	cmd.AddCommand(newExecWaitCommand())
	cmd.AddCommand(newExecCancelCommand())
	return cmd
}

func newExecGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one execution by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exec any
			c := newClient(addr)
			if err := c.do(cmd.Context(), "GET", "/v1/executions/"+args[0], nil, &exec); err != nil {
				return err
			}
			return printJSON(exec)
		},
	}
}

func newExecWaitCommand() *cobra.Command {
	var timeout time.Duration
	var pollEvery time.Duration
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Poll an execution until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := newClient(addr)
			ticker := time.NewTicker(pollEvery)
			defer ticker.Stop()

			for {
				var exec execView
				if err := c.do(ctx, "GET", "/v1/executions/"+args[0], nil, &exec); err != nil {
					return err
				}
				if terminalStatuses[exec.Status] {
					return printJSON(exec)
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("flowctl: timed out after %s waiting on %s (last status %q)", timeout, args[0], exec.Status)
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", 500*time.Millisecond, "interval between status polls")
	return cmd
}

func newExecCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a non-terminal execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result any
			c := newClient(addr)
			if err := c.do(cmd.Context(), "POST", "/v1/executions/"+args[0]+"/cancel", nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
