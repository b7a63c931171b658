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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/migrond/migrond/internal/commands"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "migrondctl",
		Short: "Admin CLI for the migrond migration-workflow engine",
	}

	var (
		sqlitePath  string
		postgresURL string
		backendType string
	)
	root.PersistentFlags().StringVar(&backendType, "backend", "sqlite", "Storage backend (sqlite, postgres)")
	root.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "migrond.db", "SQLite database file path")
	root.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "PostgreSQL connection URL")

	opener := func() (*commands.Context, error) {
		return commands.Open(backendType, sqlitePath, postgresURL)
	}

	root.AddCommand(commands.NewRunbookCommand(opener))
	root.AddCommand(commands.NewAutomationCommand(opener))
	root.AddCommand(commands.NewBatchCommand(opener))
	root.AddCommand(commands.NewMemberCommand(opener))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("migrondctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
