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
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewMemberCommand builds the `migrondctl member` subcommand tree.
func NewMemberCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage batch members outside the Scheduler's own detection diff",
	}

	list := &cobra.Command{
		Use:   "list <batch-id>",
		Short: "List every member of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			batchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", args[0], err)
			}
			members, err := ctx.Admin.ListMembers(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			for _, m := range members {
				fmt.Printf("%d\t%s\t%s\n", m.ID, m.MemberKey, m.Status)
			}
			return nil
		},
	}
	cmd.AddCommand(list)

	var primaryKey string
	add := &cobra.Command{
		Use:   "add <batch-id> <data.json>",
		Short: "Add a member to an in-flight batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			batchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", args[0], err)
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			var data map[string]interface{}
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("parse %s as a JSON object: %w", args[1], err)
			}
			member, err := ctx.Admin.AddMember(cmd.Context(), batchID, data, primaryKey)
			if err != nil {
				return err
			}
			fmt.Printf("added member %d (%s)\n", member.ID, member.MemberKey)
			return nil
		},
	}
	add.Flags().StringVar(&primaryKey, "primary-key", "id", "Column identifying the member row")
	cmd.AddCommand(add)

	remove := &cobra.Command{
		Use:   "remove <batch-id> <member-id>",
		Short: "Remove a member from an in-flight batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			batchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", args[0], err)
			}
			memberID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid member id %q: %w", args[1], err)
			}
			return ctx.Admin.RemoveMember(cmd.Context(), batchID, memberID)
		},
	}
	cmd.AddCommand(remove)

	return cmd
}
