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
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunbookCommand builds the `migrondctl runbook` subcommand tree.
func NewRunbookCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runbook",
		Short: "Manage runbook documents",
	}

	var dataTableName string
	publish := &cobra.Command{
		Use:   "publish <file.yaml>",
		Short: "Publish a new runbook version, deactivating prior versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			rb, err := ctx.Admin.PublishRunbook(cmd.Context(), doc, dataTableName)
			if err != nil {
				return err
			}
			fmt.Printf("published %s v%d\n", rb.Name, rb.Version)
			return nil
		},
	}
	publish.Flags().StringVar(&dataTableName, "data-table", "", "Data source table name for audit display")
	cmd.AddCommand(publish)

	list := &cobra.Command{
		Use:   "list",
		Short: "List active runbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			rbs, err := ctx.Admin.ListActiveRunbooks(cmd.Context())
			if err != nil {
				return err
			}
			for _, rb := range rbs {
				fmt.Printf("%s\tv%d\n", rb.Name, rb.Version)
			}
			return nil
		},
	}
	cmd.AddCommand(list)

	var version int
	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Get a runbook, defaulting to its active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			rb, err := ctx.Admin.GetRunbook(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			fmt.Println(rb.Document)
			return nil
		},
	}
	get.Flags().IntVar(&version, "version", 0, "Version to fetch (0 = active)")
	cmd.AddCommand(get)

	versions := &cobra.Command{
		Use:   "versions <name>",
		Short: "List every version of a runbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			rbs, err := ctx.Admin.ListRunbookVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, rb := range rbs {
				fmt.Printf("v%d\tactive=%v\n", rb.Version, rb.IsActive)
			}
			return nil
		},
	}
	cmd.AddCommand(versions)

	deactivate := &cobra.Command{
		Use:   "deactivate <name> <version>",
		Short: "Deactivate a runbook version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			return ctx.Admin.DeactivateRunbook(cmd.Context(), args[0], v)
		},
	}
	cmd.AddCommand(deactivate)

	return cmd
}
