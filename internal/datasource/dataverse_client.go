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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"context"

	"golang.org/x/time/rate"

	"github.com/migrond/migrond/pkg/runbook"
)

// DataverseClient queries a Microsoft Dataverse environment's OData Web API.
// cfg.Connection is the environment base URL
// (https://org.crm.dynamics.com/api/data/v9.2); cfg.Query is the OData
// resource path and query string appended to it verbatim, e.g.
// "contacts?$filter=statecode eq 0&$select=contactid,emailaddress1".
type DataverseClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     map[string]string // connection -> bearer token
}

// NewDataverseClient builds a DataverseClient. tokens maps a connection's
// base URL to the bearer token used to authenticate against it; rps/burst
// bound the request rate against Dataverse's per-environment API limits.
func NewDataverseClient(httpClient *http.Client, tokens map[string]string, rps float64, burst int) *DataverseClient {
	return &DataverseClient{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		tokens:     tokens,
	}
}

type odataResponse struct {
	Value []map[string]interface{} `json:"value"`
}

// Query implements Client.
func (c *DataverseClient) Query(ctx context.Context, cfg runbook.DataSourceConfig) ([]Row, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := strings.TrimRight(cfg.Connection, "/") + "/" + strings.TrimLeft(cfg.Query, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dataverse request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if token, ok := c.tokens[cfg.Connection]; ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataverse query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dataverse query: unexpected status %s", resp.Status)
	}

	var parsed odataResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("dataverse decode: %w", err)
	}

	rows := make([]Row, 0, len(parsed.Value))
	for _, v := range parsed.Value {
		rows = append(rows, Row(v))
	}
	return rows, nil
}
