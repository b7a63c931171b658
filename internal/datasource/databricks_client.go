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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/migrond/migrond/pkg/runbook"
)

// DatabricksClient runs a data_source.type=="databricks" query through the
// Databricks SQL Statement Execution API
// (POST /api/2.0/sql/statements, poll GET .../{id} until a terminal state).
// cfg.Connection is the workspace base URL; cfg.WarehouseID selects the SQL
// warehouse.
type DatabricksClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     map[string]string // connection -> PAT
	pollEvery  time.Duration
}

// NewDatabricksClient builds a DatabricksClient.
func NewDatabricksClient(httpClient *http.Client, tokens map[string]string, rps float64, burst int) *DatabricksClient {
	return &DatabricksClient{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		tokens:     tokens,
		pollEvery:  2 * time.Second,
	}
}

type statementRequest struct {
	Statement   string `json:"statement"`
	WarehouseID string `json:"warehouse_id"`
	WaitTimeout string `json:"wait_timeout"`
}

type statementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"` // PENDING, RUNNING, SUCCEEDED, FAILED, CANCELED, CLOSED
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"schema"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]interface{} `json:"data_array"`
	} `json:"result"`
}

// Query implements Client.
func (c *DatabricksClient) Query(ctx context.Context, cfg runbook.DataSourceConfig) ([]Row, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	stmt, err := c.submit(ctx, cfg)
	if err != nil {
		return nil, err
	}

	for stmt.Status.State == "PENDING" || stmt.Status.State == "RUNNING" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollEvery):
		}
		stmt, err = c.poll(ctx, cfg.Connection, stmt.StatementID)
		if err != nil {
			return nil, err
		}
	}

	if stmt.Status.State != "SUCCEEDED" {
		return nil, fmt.Errorf("databricks statement %s ended in state %s: %s", stmt.StatementID, stmt.Status.State, stmt.Status.Error.Message)
	}

	cols := stmt.Manifest.Schema.Columns
	rows := make([]Row, 0, len(stmt.Result.DataArray))
	for _, rawRow := range stmt.Result.DataArray {
		row := make(Row, len(cols))
		for i, col := range cols {
			if i < len(rawRow) {
				row[col.Name] = rawRow[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *DatabricksClient) submit(ctx context.Context, cfg runbook.DataSourceConfig) (*statementResponse, error) {
	body, err := json.Marshal(statementRequest{
		Statement:   cfg.Query,
		WarehouseID: cfg.WarehouseID,
		WaitTimeout: "0s", // always async; we drive the poll loop ourselves
	})
	if err != nil {
		return nil, fmt.Errorf("databricks request body: %w", err)
	}

	url := strings.TrimRight(cfg.Connection, "/") + "/api/2.0/sql/statements"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("databricks submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token, ok := c.tokens[cfg.Connection]; ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.do(req)
}

func (c *DatabricksClient) poll(ctx context.Context, connection, statementID string) (*statementResponse, error) {
	url := strings.TrimRight(connection, "/") + "/api/2.0/sql/statements/" + statementID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("databricks poll request: %w", err)
	}
	if token, ok := c.tokens[connection]; ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

func (c *DatabricksClient) do(req *http.Request) (*statementResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("databricks request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("databricks request: unexpected status %s", resp.Status)
	}
	var parsed statementResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("databricks decode: %w", err)
	}
	return &parsed, nil
}
