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

/*
Package secrets provides secure credential storage and retrieval for data
source connections.

This package implements a multi-backend secret management system with support
for environment variables, OS keychains, and file-based storage. Secrets are
resolved through a priority-ordered chain of backends.

# Overview

Key features:

  - Multiple storage backends (env, keychain, file)
  - Priority-ordered resolution
  - Secure storage using OS keychain
  - A naming convention keyed on data source type and connection name

# Backends

The package provides several secret backends:

	env      - Environment variables (MIGROND_SECRET_*)
	keychain - OS keychain (macOS Keychain, Linux Secret Service)
	file     - Encrypted file storage (for development)

Each backend implements the SecretBackend interface:

	type SecretBackend interface {
	    Name() string
	    Priority() int
	    Available() bool
	    Get(ctx context.Context, key string) (string, error)
	    Set(ctx context.Context, key, value string) error
	    Delete(ctx context.Context, key string) error
	    List(ctx context.Context) ([]string, error)
	}

# Usage

Create a resolver with multiple backends:

	fileBackend, err := secrets.NewFileBackend("/path/to/secrets", masterKey)
	if err != nil {
	    return err
	}
	resolver := secrets.NewResolver(
	    secrets.NewKeychainBackend(),
	    secrets.NewEnvBackend(),
	    fileBackend,
	)

Retrieve a secret for a named Dataverse connection:

	token, err := resolver.Get(ctx, "datasource/dataverse/primary")

Store a secret:

	err := resolver.Set(ctx, "datasource/databricks/warehouse1", "pat-value", "")

# Priority Order

Backends are queried in priority order (highest first):

 1. Env (priority 100) - Fastest, preferred for daemons and containers
 2. Keychain (priority 50) - OS-managed, convenient for workstation runs
 3. File (priority 25) - Encrypted file storage, for development

# Key Naming Convention

Data source connection credentials are keyed as
"datasource/<type>/<connection>", mirroring the data_source.type and
data_source.connection fields of a runbook document:

	datasource/dataverse/primary    -> Dataverse bearer token for "primary"
	datasource/databricks/warehouse1 -> Databricks PAT for "warehouse1"
	sql/primary/dsn                 -> SQL connection string for "primary"

cmd/migrond resolves one secret per connection named in an active runbook's
data source config at startup, building the credential maps passed to
internal/datasource's adapters.

# Environment Variables

The env backend looks for variables prefixed with MIGROND_SECRET_:

	export MIGROND_SECRET_DATASOURCE_DATAVERSE_PRIMARY=eyJ0eXAi...

Key names are normalized:

  - datasource/dataverse/primary → MIGROND_SECRET_DATASOURCE_DATAVERSE_PRIMARY
  - datasource/databricks/warehouse1 → MIGROND_SECRET_DATASOURCE_DATABRICKS_WAREHOUSE1

# Keychain Integration

On macOS, secrets are stored in the system Keychain.
On Linux, the Secret Service API (GNOME Keyring, KWallet) is used.

The keychain backend requires no configuration and provides:

  - Encryption at rest
  - User-level access control
  - Integration with system credential management

# Error Handling

Common errors:

  - ErrSecretNotFound: Secret doesn't exist in any backend
  - ErrBackendUnavailable: No backends are available
*/
package secrets
