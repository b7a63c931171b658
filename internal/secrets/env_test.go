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

package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvBackend_Get(t *testing.T) {
	backend := NewEnvBackend()
	ctx := context.Background()

	tests := []struct {
		name      string
		key       string
		envVars   map[string]string
		wantValue string
		wantErr   error
	}{
		{
			name: "normalized key found",
			key:  "datasource/dataverse/primary",
			envVars: map[string]string{
				"MIGROND_SECRET_DATASOURCE_DATAVERSE_PRIMARY": "dv-token-test",
			},
			wantValue: "dv-token-test",
			wantErr:   nil,
		},
		{
			name: "connection alias found",
			key:  "datasource/dataverse/primary",
			envVars: map[string]string{
				"DATAVERSE_PRIMARY_TOKEN": "dv-token-alias",
			},
			wantValue: "dv-token-alias",
			wantErr:   nil,
		},
		{
			name: "normalized takes precedence over alias",
			key:  "datasource/dataverse/primary",
			envVars: map[string]string{
				"MIGROND_SECRET_DATASOURCE_DATAVERSE_PRIMARY": "dv-token-normalized",
				"DATAVERSE_PRIMARY_TOKEN":                     "dv-token-alias",
			},
			wantValue: "dv-token-normalized",
			wantErr:   nil,
		},
		{
			name:      "key not found",
			key:       "datasource/dataverse/missing",
			envVars:   map[string]string{},
			wantValue: "",
			wantErr:   ErrSecretNotFound,
		},
		{
			name: "databricks connection alias",
			key:  "datasource/databricks/warehouse1",
			envVars: map[string]string{
				"DATABRICKS_WAREHOUSE1_TOKEN": "dbx-pat-test",
			},
			wantValue: "dbx-pat-test",
			wantErr:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			got, err := backend.Get(ctx, tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Get() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.wantValue {
				t.Errorf("Get() = %v, want %v", got, tt.wantValue)
			}
		})
	}
}

func TestEnvBackend_Set(t *testing.T) {
	backend := NewEnvBackend()
	ctx := context.Background()

	err := backend.Set(ctx, "test/key", "value")
	if !errors.Is(err, ErrReadOnlyBackend) {
		t.Errorf("Set() error = %v, want %v", err, ErrReadOnlyBackend)
	}
}

func TestEnvBackend_Delete(t *testing.T) {
	backend := NewEnvBackend()
	ctx := context.Background()

	err := backend.Delete(ctx, "test/key")
	if !errors.Is(err, ErrReadOnlyBackend) {
		t.Errorf("Delete() error = %v, want %v", err, ErrReadOnlyBackend)
	}
}

func TestEnvBackend_List(t *testing.T) {
	backend := NewEnvBackend()
	ctx := context.Background()

	t.Setenv("MIGROND_SECRET_DATASOURCE_DATAVERSE_PRIMARY", "dv-token")
	t.Setenv("MIGROND_SECRET_DATASOURCE_DATABRICKS_WAREHOUSE1", "dbx-token")
	t.Setenv("MIGROND_SECRET_SQL_PRIMARY_DSN", "postgres://...")
	t.Setenv("DATAVERSE_PRIMARY_TOKEN", "ignored") // Should not appear in list

	keys, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := []string{
		"datasource/dataverse/primary",
		"datasource/databricks/warehouse1",
		"sql/primary/dsn",
	}

	if len(keys) != len(want) {
		t.Errorf("List() returned %d keys, want %d", len(keys), len(want))
	}

	keyMap := make(map[string]bool)
	for _, k := range keys {
		keyMap[k] = true
	}

	for _, w := range want {
		if !keyMap[w] {
			t.Errorf("List() missing key %q", w)
		}
	}
}

func TestEnvBackend_Metadata(t *testing.T) {
	backend := NewEnvBackend()

	if backend.Name() != "env" {
		t.Errorf("Name() = %v, want %v", backend.Name(), "env")
	}

	if !backend.Available() {
		t.Error("Available() = false, want true")
	}

	if backend.Priority() != EnvBackendPriority {
		t.Errorf("Priority() = %v, want %v", backend.Priority(), EnvBackendPriority)
	}

	if !backend.ReadOnly() {
		t.Error("ReadOnly() = false, want true")
	}
}

func TestEnvBackend_NormalizeKey(t *testing.T) {
	backend := NewEnvBackend()

	tests := []struct {
		key  string
		want string
	}{
		{
			key:  "datasource/dataverse/primary",
			want: "MIGROND_SECRET_DATASOURCE_DATAVERSE_PRIMARY",
		},
		{
			key:  "sql/primary/dsn",
			want: "MIGROND_SECRET_SQL_PRIMARY_DSN",
		},
		{
			key:  "simple",
			want: "MIGROND_SECRET_SIMPLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := backend.normalizeKey(tt.key)
			if got != tt.want {
				t.Errorf("normalizeKey() = %v, want %v", got, tt.want)
			}

			denormalized := backend.denormalizeKey(got)
			if denormalized != tt.key {
				t.Errorf("denormalizeKey() = %v, want %v", denormalized, tt.key)
			}
		})
	}
}

func TestEnvBackend_ProviderAlias(t *testing.T) {
	backend := NewEnvBackend()

	tests := []struct {
		key  string
		want string
	}{
		{
			key:  "datasource/dataverse/primary",
			want: "DATAVERSE_PRIMARY_TOKEN",
		},
		{
			key:  "datasource/databricks/warehouse1",
			want: "DATABRICKS_WAREHOUSE1_TOKEN",
		},
		{
			key:  "sql/primary/dsn",
			want: "",
		},
		{
			key:  "datasource/dataverse/primary/extra",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := backend.providerAlias(tt.key)
			if got != tt.want {
				t.Errorf("providerAlias() = %v, want %v", got, tt.want)
			}
		})
	}
}
