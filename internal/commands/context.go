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

// Package commands implements the migrondctl subcommands over pkg/admin,
// each opening its own short-lived store/bus connection per invocation
// rather than sharing the daemon's long-lived ones.
package commands

import (
	"fmt"

	"github.com/migrond/migrond/internal/bus/memory"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/internal/store/postgres"
	"github.com/migrond/migrond/internal/store/sqlite"
	"github.com/migrond/migrond/pkg/admin"
)

// Context bundles an open Service with its backing store, closed by the
// caller once the subcommand is done.
type Context struct {
	Admin   *admin.Service
	Backend store.Backend
}

// Opener lazily opens a Context once a subcommand actually runs, after
// cobra has parsed the persistent flags.
type Opener func() (*Context, error)

// Open connects to the named backend and wraps it in an admin.Service. The
// CLI publishes manual batch/member events over an in-process bus only: a
// real deployment's daemon is the one consumer that matters for automated
// events, and migrondctl's own publishes here are for operator-triggered
// actions that the running daemon's Orchestrator is still subscribed to
// pick up from the shared durable bus in a real deployment. For the
// sqlite/single-node path this in-process bus has no consumer, which is
// fine for publish/list/get/deactivate/advance/cancel operations that only
// need the store; callers wiring a shared NATS bus get the full effect.
func Open(backendType, sqlitePath, postgresURL string) (*Context, error) {
	var backend store.Backend
	switch backendType {
	case "postgres":
		if postgresURL == "" {
			return nil, fmt.Errorf("-postgres-url is required for backend=postgres")
		}
		b, err := postgres.New(postgres.Config{ConnectionString: postgresURL})
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		backend = b
	case "sqlite":
		b, err := sqlite.New(sqlite.Config{Path: sqlitePath, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown backend %q", backendType)
	}

	svc := admin.New(backend, memory.New(), nil)
	return &Context{Admin: svc, Backend: backend}, nil
}
