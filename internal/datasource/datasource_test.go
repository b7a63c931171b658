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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migrond/migrond/pkg/runbook"
)

func TestSQLClientQueryNormalizesByteColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "email"}).
		AddRow("c-1", []byte("alice@example.com")).
		AddRow("c-2", []byte("bob@example.com"))
	mock.ExpectQuery("select id, email from contracts").WillReturnRows(rows)

	client := NewSQLClient(map[string]*sql.DB{"primary": db})
	got, err := client.Query(context.Background(), runbook.DataSourceConfig{
		Type:       "sql",
		Connection: "primary",
		Query:      "select id, email from contracts",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c-1", got[0]["id"])
	assert.Equal(t, "alice@example.com", got[0]["email"])
	assert.IsType(t, "", got[0]["email"], "byte columns must be normalized to string")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLClientQueryUnknownConnection(t *testing.T) {
	client := NewSQLClient(map[string]*sql.DB{})
	_, err := client.Query(context.Background(), runbook.DataSourceConfig{Connection: "missing"})
	assert.Error(t, err)
}

func TestDataverseClientQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []map[string]interface{}{
				{"contactid": "abc-1", "emailaddress1": "alice@example.com"},
			},
		})
	}))
	defer srv.Close()

	client := NewDataverseClient(srv.Client(), map[string]string{srv.URL: "test-token"}, 100, 10)
	got, err := client.Query(context.Background(), runbook.DataSourceConfig{
		Connection: srv.URL,
		Query:      "contacts",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc-1", got[0]["contactid"])
}

func TestDataverseClientQueryNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewDataverseClient(srv.Client(), nil, 100, 10)
	_, err := client.Query(context.Background(), runbook.DataSourceConfig{Connection: srv.URL, Query: "contacts"})
	assert.Error(t, err)
}

func TestDatabricksClientQuerySucceedsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/2.0/sql/statements", r.URL.Path)
		assert.Equal(t, "Bearer pat-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"statement_id": "stmt-1",
			"status":       map[string]interface{}{"state": "SUCCEEDED"},
			"manifest": map[string]interface{}{
				"schema": map[string]interface{}{
					"columns": []map[string]interface{}{{"name": "id"}, {"name": "count"}},
				},
			},
			"result": map[string]interface{}{
				"data_array": [][]interface{}{{"c-1", float64(3)}},
			},
		})
	}))
	defer srv.Close()

	client := NewDatabricksClient(srv.Client(), map[string]string{srv.URL: "pat-token"}, 100, 10)
	got, err := client.Query(context.Background(), runbook.DataSourceConfig{
		Connection:  srv.URL,
		WarehouseID: "wh-1",
		Query:       "select id, count(*) as count from contracts group by id",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c-1", got[0]["id"])
	assert.Equal(t, float64(3), got[0]["count"])
}

func TestDatabricksClientQueryFailedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"statement_id": "stmt-1",
			"status": map[string]interface{}{
				"state": "FAILED",
				"error": map[string]interface{}{"message": "syntax error"},
			},
		})
	}))
	defer srv.Close()

	client := NewDatabricksClient(srv.Client(), nil, 100, 10)
	_, err := client.Query(context.Background(), runbook.DataSourceConfig{Connection: srv.URL, WarehouseID: "wh-1", Query: "bad sql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
}

type registryFakeClient struct {
	rows []Row
	err  error
}

func (f *registryFakeClient) Query(ctx context.Context, cfg runbook.DataSourceConfig) ([]Row, error) {
	return f.rows, f.err
}

func TestRegistryExecuteSplitsMultiValuedColumns(t *testing.T) {
	client := &registryFakeClient{rows: []Row{
		{"id": "c-1", "tags": "a;b;c"},
	}}
	reg := NewRegistry(map[string]Client{"sql": client})

	got, err := reg.Execute(context.Background(), "contract-migration", time.Minute, runbook.DataSourceConfig{
		Type:               "sql",
		MultiValuedColumns: []runbook.MultiValuedColumn{{Name: "tags", Format: "semicolon_delimited"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a", "b", "c"}, got[0]["tags"])
}

func TestRegistryExecuteUnconfiguredType(t *testing.T) {
	reg := NewRegistry(map[string]Client{})
	_, err := reg.Execute(context.Background(), "contract-migration", time.Minute, runbook.DataSourceConfig{Type: "databricks"})
	assert.Error(t, err)
}

func TestRegistryExecuteTimeout(t *testing.T) {
	client := &registryFakeClient{err: context.DeadlineExceeded}
	reg := NewRegistry(map[string]Client{"sql": client})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := reg.Execute(ctx, "contract-migration", time.Minute, runbook.DataSourceConfig{Type: "sql"})
	require.Error(t, err)
}
