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

package commands

import (
	"context"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"
)

// NewAutomationCommand builds the `migrondctl automation` subcommand tree.
func NewAutomationCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automation",
		Short: "Inspect and toggle per-runbook automation",
	}

	get := &cobra.Command{
		Use:   "get <runbook-name>",
		Short: "Show whether the Scheduler processes a runbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			setting, err := ctx.Admin.GetAutomation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\tenabled=%v\tupdated_by=%s\n", setting.RunbookName, setting.Enabled, setting.UpdatedBy)
			return nil
		},
	}
	cmd.AddCommand(get)

	var actor string
	enable := &cobra.Command{
		Use:   "enable <runbook-name>",
		Short: "Turn automation on for a runbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAutomation(cmd.Context(), open, args[0], true, actor)
		},
	}
	enable.Flags().StringVar(&actor, "actor", currentUser(), "Who is making this change")
	cmd.AddCommand(enable)

	disable := &cobra.Command{
		Use:   "disable <runbook-name>",
		Short: "Turn automation off for a runbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAutomation(cmd.Context(), open, args[0], false, actor)
		},
	}
	disable.Flags().StringVar(&actor, "actor", currentUser(), "Who is making this change")
	cmd.AddCommand(disable)

	return cmd
}

func setAutomation(ctx context.Context, open Opener, runbookName string, enabled bool, actor string) error {
	cc, err := open()
	if err != nil {
		return err
	}
	defer cc.Backend.Close()

	if err := cc.Admin.SetAutomation(ctx, runbookName, enabled, actor); err != nil {
		return err
	}
	fmt.Printf("%s automation set to %v by %s\n", runbookName, enabled, actor)
	return nil
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
