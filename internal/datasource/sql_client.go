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

package datasource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/migrond/migrond/pkg/runbook"
)

// SQLClient runs a data_source.type=="sql" query directly against a
// database/sql.DB. Connection selects among a fixed set of pre-opened
// handles (e.g. "default", "reporting") rather than opening a new
// connection per query, mirroring how the engine's own persisted-state
// store is wired at startup.
type SQLClient struct {
	dbs map[string]*sql.DB
}

// NewSQLClient builds a SQLClient over the given named connections.
func NewSQLClient(dbs map[string]*sql.DB) *SQLClient {
	return &SQLClient{dbs: dbs}
}

// Query implements Client.
func (c *SQLClient) Query(ctx context.Context, cfg runbook.DataSourceConfig) ([]Row, error) {
	db, ok := c.dbs[cfg.Connection]
	if !ok {
		return nil, fmt.Errorf("sql data source: unknown connection %q", cfg.Connection)
	}

	rows, err := db.QueryContext(ctx, cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("sql data source query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sql data source columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		scanTargets := make([]interface{}, len(cols))
		values := make([]interface{}, len(cols))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("sql data source scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql data source iterate: %w", err)
	}
	return out, nil
}

// normalizeSQLValue unwraps the []byte a driver returns for TEXT/VARCHAR
// columns into a plain string, so downstream template resolution (which
// formats values with fmt.Sprintf("%v", ...)) doesn't print a byte slice.
func normalizeSQLValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
