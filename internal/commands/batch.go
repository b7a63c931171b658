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

	"github.com/migrond/migrond/internal/store"
)

// NewBatchCommand builds the `migrondctl batch` subcommand tree.
func NewBatchCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage batches, including manually-created ones",
	}

	var primaryKey, createdBy string
	create := &cobra.Command{
		Use:   "create-manual <runbook-name> <members.json>",
		Short: "Create a manual batch from a JSON array of member rows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			var rows []map[string]interface{}
			if err := json.Unmarshal(raw, &rows); err != nil {
				return fmt.Errorf("parse %s as a JSON array of rows: %w", args[1], err)
			}

			batch, err := ctx.Admin.CreateManualBatch(cmd.Context(), args[0], rows, primaryKey, createdBy)
			if err != nil {
				return err
			}
			fmt.Printf("created batch %d (%s)\n", batch.ID, batch.Name)
			return nil
		},
	}
	create.Flags().StringVar(&primaryKey, "primary-key", "id", "Column identifying each member row")
	create.Flags().StringVar(&createdBy, "created-by", currentUser(), "Operator recorded as the batch creator")
	cmd.AddCommand(create)

	var runbookName, status string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List batches, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			batches, err := ctx.Admin.ListBatches(cmd.Context(), store.BatchFilter{
				RunbookName: runbookName,
				Status:      status,
				Limit:       limit,
				Offset:      offset,
			})
			if err != nil {
				return err
			}
			for _, b := range batches {
				fmt.Printf("%d\t%s\t%s\t%s\tmembers=%d\n", b.ID, b.RunbookName, b.Name, b.Status, b.MemberCount)
			}
			return nil
		},
	}
	list.Flags().StringVar(&runbookName, "runbook", "", "Filter by runbook name")
	list.Flags().StringVar(&status, "status", "", "Filter by batch status")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")
	list.Flags().IntVar(&offset, "offset", 0, "Row offset for pagination")
	cmd.AddCommand(list)

	get := &cobra.Command{
		Use:   "get <batch-id>",
		Short: "Show a single batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", args[0], err)
			}
			b, err := ctx.Admin.GetBatch(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%s\t%s\t%s\tmembers=%d\tcurrent_phase=%s\n", b.ID, b.RunbookName, b.Name, b.Status, b.MemberCount, b.CurrentPhase)
			return nil
		},
	}
	cmd.AddCommand(get)

	advance := &cobra.Command{
		Use:   "advance <batch-id>",
		Short: "Dispatch the next pending phase of a manual batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", args[0], err)
			}
			ph, err := ctx.Admin.AdvanceBatch(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("dispatched phase %q (execution %d)\n", ph.PhaseName, ph.ID)
			return nil
		},
	}
	cmd.AddCommand(advance)

	cancel := &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel an in-flight batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := open()
			if err != nil {
				return err
			}
			defer ctx.Backend.Close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", args[0], err)
			}
			return ctx.Admin.CancelBatch(cmd.Context(), id)
		},
	}
	cmd.AddCommand(cancel)

	return cmd
}
