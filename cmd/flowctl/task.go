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
	"github.com/spf13/cobra"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and stub task adapters on a running flowd",
	}
	cmd.AddCommand(newTaskRegisterCommand())
	cmd.AddCommand(newTaskListCommand())
	return cmd
}

// newTaskRegisterCommand binds name, on the connected flowd instance, to
// a stub adapter that echoes its inputs back as output. It exists so a
// workflow author can exercise a .flow program's control flow against
// task names that don't have a real Go adapter written yet; it has no
// effect beyond that one flowd process's in-memory registry, and a
// later real adapter registration (which only happens at flowd startup,
// from its own configured registry) replaces it.
func newTaskRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register <name>",
		Short: "Bind name to a dev-mode stub adapter that echoes its inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result any
			c := newClient(addr)
			if err := c.do(cmd.Context(), "POST", "/v1/tasks/"+args[0]+"/register", nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newTaskListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task names currently registered on the connected flowd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result any
			c := newClient(addr)
			if err := c.do(cmd.Context(), "GET", "/v1/tasks", nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
