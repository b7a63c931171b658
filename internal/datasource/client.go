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

// Package datasource executes a runbook's data_source query against one of
// the three supported engines (dataverse, databricks, sql) and normalizes
// the result into rows keyed by column name, per spec §4.5/§4.1.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/migrond/migrond/pkg/errors"
	"github.com/migrond/migrond/pkg/runbook"
)

// Row is one result row, keyed by result column name.
type Row map[string]interface{}

// Client executes a data source query and returns its rows.
type Client interface {
	Query(ctx context.Context, cfg runbook.DataSourceConfig) ([]Row, error)
}

// Registry dispatches to the configured Client for each data_source.type.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a Registry over the given per-type clients. A nil
// entry for a type means that type is unconfigured for this process; a
// query against it fails with a QueryFailure rather than a panic.
func NewRegistry(clients map[string]Client) *Registry {
	return &Registry{clients: clients}
}

// Execute runs cfg's query against its configured engine, then splits any
// multi_valued_columns per §4.1's packing formats. runbookName and the
// elapsed query budget are only used to annotate a failure/timeout error.
func (r *Registry) Execute(ctx context.Context, runbookName string, budget time.Duration, cfg runbook.DataSourceConfig) ([]Row, error) {
	client, ok := r.clients[cfg.Type]
	if !ok || client == nil {
		return nil, &pkgerrors.QueryFailure{RunbookName: runbookName, Cause: fmt.Errorf("no client configured for data source type %q", cfg.Type)}
	}

	rows, err := client.Query(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &pkgerrors.QueryTimeoutError{RunbookName: runbookName, Duration: budget}
		}
		return nil, &pkgerrors.QueryFailure{RunbookName: runbookName, Cause: err}
	}

	for _, row := range rows {
		for _, mvc := range cfg.MultiValuedColumns {
			splitMultiValued(row, mvc)
		}
	}
	return rows, nil
}

// splitMultiValued replaces row[mvc.Name], a packed-value cell, with a
// []string split per mvc.Format. Unrecognised or non-string cells are left
// untouched — the runbook validator (§4.1) already rejects unknown formats
// at publish time, so this is a defensive no-op, not an error path.
func splitMultiValued(row Row, mvc runbook.MultiValuedColumn) {
	raw, ok := row[mvc.Name]
	if !ok {
		return
	}
	s, ok := raw.(string)
	if !ok {
		return
	}
	if s == "" {
		row[mvc.Name] = []string{}
		return
	}

	switch mvc.Format {
	case "semicolon_delimited":
		row[mvc.Name] = strings.Split(s, ";")
	case "comma_delimited":
		row[mvc.Name] = strings.Split(s, ",")
	case "json_array":
		var vals []string
		if err := json.Unmarshal([]byte(s), &vals); err == nil {
			row[mvc.Name] = vals
		}
	}
}
