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
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/migrond/migrond/internal/bus/memory"
	natsbus "github.com/migrond/migrond/internal/bus/nats"
	"github.com/migrond/migrond/internal/datasource"
	"github.com/migrond/migrond/internal/featureflags"
	"github.com/migrond/migrond/internal/lock"
	"github.com/migrond/migrond/internal/log"
	"github.com/migrond/migrond/internal/orchestrator"
	"github.com/migrond/migrond/internal/scheduler"
	"github.com/migrond/migrond/internal/secrets"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/internal/store/postgres"
	storesqlite "github.com/migrond/migrond/internal/store/sqlite"
	"github.com/migrond/migrond/internal/tracing"
	"github.com/migrond/migrond/pkg/bus"
	"github.com/migrond/migrond/pkg/httpclient"
	"github.com/migrond/migrond/pkg/runbook"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		backendType   = flag.String("backend", "sqlite", "Storage backend (sqlite, postgres)")
		sqlitePath    = flag.String("sqlite-path", "migrond.db", "SQLite database file path")
		postgresURL   = flag.String("postgres-url", "", "PostgreSQL connection URL")
		busType       = flag.String("bus", "memory", "Message bus (memory, nats)")
		natsURL       = flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
		instanceID    = flag.String("instance-id", "", "Instance id used as the lock holder identity")
		tickInterval  = flag.Duration("tick-interval", 5*time.Minute, "Scheduler tick interval")
		queryTimeout  = flag.Duration("query-timeout", 90*time.Second, "Data source query timeout, clamped to 60-120s")
		metricsAddr   = flag.String("metrics-addr", ":9090", "Listen address for the /metrics endpoint")
		secretsFile   = flag.String("secrets-file", "", "Path to the encrypted data source credentials file (defaults to ~/.config/migrond/secrets.enc)")
		masterKey     = flag.String("secrets-master-key", "", "Master key for the encrypted secrets file, overrides MIGROND_MASTER_KEY")
		showVersion   = flag.Bool("version", false, "Show version information")
		tracingOn     = flag.Bool("tracing-enabled", false, "Enable distributed tracing of scheduler ticks and step dispatch")
		traceExporter = flag.String("trace-exporter", "console", "Trace exporter (console, otlp, otlp-http)")
		traceEndpoint = flag.String("trace-endpoint", "", "OTLP trace collector endpoint (required for otlp/otlp-http)")
		flagsFile     = flag.String("flags-file", "", "Path to a JSON file of feature flag overrides, hot-reloaded on change")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if *instanceID == "" {
		hostname, _ := os.Hostname()
		*instanceID = fmt.Sprintf("migrond-%s-%d", hostname, os.Getpid())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingShutdown := setupTracing(ctx, *tracingOn, *traceExporter, *traceEndpoint, *instanceID, version, logger)
	defer tracingShutdown(context.Background())

	backend, lease, err := openStore(ctx, *backendType, *sqlitePath, *postgresURL, *instanceID)
	if err != nil {
		logger.Error("failed to open storage backend", slog.Any("error", err))
		os.Exit(1)
	}

	b, err := openBus(ctx, *busType, *natsURL)
	if err != nil {
		logger.Error("failed to connect message bus", slog.Any("error", err))
		os.Exit(1)
	}

	httpClient, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		logger.Error("failed to build http client", slog.Any("error", err))
		os.Exit(1)
	}
	resolver := buildSecretResolver(*secretsFile, *masterKey, logger)
	registry := buildDataSourceRegistry(ctx, httpClient, backend, resolver, logger)
	flags := featureflags.New()
	if *flagsFile != "" {
		if err := featureflags.Watch(ctx, *flagsFile, flags, func(msg string, args ...any) {
			logger.Info(msg, args...)
		}); err != nil {
			logger.Error("failed to watch feature flags file", slog.Any("error", err))
		}
	}

	orch := orchestrator.New(backend, b, logger, orchestrator.Config{
		DuplicateDetectionWindow: 10 * time.Minute,
	}, flags)

	sched := scheduler.New(backend, b, registry, lease, logger, scheduler.Config{
		TickInterval: *tickInterval,
		QueryTimeout: *queryTimeout,
	}, flags)

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()
	sched.Start(ctx)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		sched.Stop()
	case err := <-errCh:
		cancel()
		sched.Stop()
		if err != nil {
			logger.Error("orchestrator stopped with error", slog.Any("error", err))
			_ = metricsSrv.Close()
			os.Exit(1)
		}
	}
	_ = metricsSrv.Close()
}

// setupTracing builds the dispatch-span export pipeline and points the
// global OTel tracer provider at it, so the tracers obtained via
// otel.Tracer() in the scheduler and orchestrator packages export real
// spans instead of running against the noop default. Tracing is opt-in
// per spec §6.4; when disabled, the returned shutdown func is a no-op and
// every span created downstream is dropped by the global noop provider.
func setupTracing(ctx context.Context, enabled bool, exporterType, endpoint, instanceID, version string, logger *slog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !enabled {
		return noop
	}

	cfg := tracing.DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = "migrond"
	cfg.ServiceVersion = version
	cfg.Exporters = []tracing.ExporterConfig{
		{Type: exporterType, Endpoint: endpoint},
	}

	processors, err := tracing.CreateExportersFromConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to build trace exporters, tracing disabled", slog.Any("error", err))
		return noop
	}

	opts := make([]sdktrace.TracerProviderOption, 0, len(processors))
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg, opts...)
	if err != nil {
		logger.Error("failed to start tracer provider, tracing disabled", slog.Any("error", err))
		return noop
	}

	logger.Info("tracing enabled", slog.String("exporter", exporterType), slog.String("instance", instanceID))
	return provider.Shutdown
}

func openStore(ctx context.Context, backendType, sqlitePath, postgresURL, holderID string) (store.Backend, *lock.Lease, error) {
	switch backendType {
	case "postgres":
		if postgresURL == "" {
			return nil, nil, fmt.Errorf("-postgres-url is required for backend=postgres")
		}
		b, err := postgres.New(postgres.Config{ConnectionString: postgresURL})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres backend: %w", err)
		}
		lease := lock.New(b.DB(), lock.DialectPostgres, holderID)
		if err := lease.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure lock schema: %w", err)
		}
		return b, lease, nil
	case "sqlite":
		b, err := storesqlite.New(storesqlite.Config{Path: sqlitePath, WAL: true})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		lease := lock.New(b.DB(), lock.DialectSQLite, holderID)
		if err := lease.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure lock schema: %w", err)
		}
		return b, lease, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backendType)
	}
}

func openBus(ctx context.Context, busType, natsURL string) (bus.Bus, error) {
	switch busType {
	case "nats":
		b, err := natsbus.Connect(ctx, natsbus.Config{
			URL:        natsURL,
			StreamName: "MIGROND",
			AckWait:    30 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return b, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", busType)
	}
}

// buildSecretResolver assembles the credential chain used to resolve data
// source connection secrets: environment variables take precedence over the
// OS keychain, which takes precedence over the encrypted file backend.
func buildSecretResolver(secretsFile, masterKey string, logger *slog.Logger) *secrets.Resolver {
	fileBackend, err := secrets.NewFileBackend(secretsFile, masterKey)
	if err != nil {
		logger.Warn("encrypted secrets file unavailable, continuing without it", slog.Any("error", err))
		return secrets.NewResolver(secrets.NewEnvBackend(), secrets.NewKeychainBackend())
	}
	return secrets.NewResolver(secrets.NewEnvBackend(), secrets.NewKeychainBackend(), fileBackend)
}

// buildDataSourceRegistry wires every adapter the pluggable data_source.type
// surface supports. It scans every currently active runbook version for the
// dataverse and databricks connections it references and resolves one
// bearer token/PAT per connection through resolver, keyed
// "datasource/<type>/<connection>" per internal/secrets' naming convention.
// Named SQL connections still require a pre-opened *sql.DB per handle (a DSN
// alone can't select a driver), so the sql adapter starts with an empty
// connection table until that wiring lands.
func buildDataSourceRegistry(ctx context.Context, httpClient *http.Client, backend store.Backend, resolver *secrets.Resolver, logger *slog.Logger) *datasource.Registry {
	dataverseTokens := map[string]string{}
	databricksTokens := map[string]string{}
	sqlConns := map[string]*sql.DB{}

	active, err := backend.ListActive(ctx)
	if err != nil {
		logger.Warn("failed to list active runbooks while resolving data source credentials", slog.Any("error", err))
	}
	for _, rb := range active {
		parsed, err := runbook.Parse([]byte(rb.Document))
		if err != nil {
			continue
		}
		ds := parsed.DataSource
		switch ds.Type {
		case "dataverse":
			if _, ok := dataverseTokens[ds.Connection]; !ok {
				if token, err := resolver.Get(ctx, "datasource/dataverse/"+ds.Connection); err == nil {
					dataverseTokens[ds.Connection] = token
				} else {
					logger.Warn("no credential resolved for dataverse connection", slog.String("connection", ds.Connection), slog.Any("error", err))
				}
			}
		case "databricks":
			if _, ok := databricksTokens[ds.Connection]; !ok {
				if token, err := resolver.Get(ctx, "datasource/databricks/"+ds.Connection); err == nil {
					databricksTokens[ds.Connection] = token
				} else {
					logger.Warn("no credential resolved for databricks connection", slog.String("connection", ds.Connection), slog.Any("error", err))
				}
			}
		}
	}

	return datasource.NewRegistry(map[string]datasource.Client{
		"dataverse":  datasource.NewDataverseClient(httpClient, dataverseTokens, 10, 10),
		"databricks": datasource.NewDatabricksClient(httpClient, databricksTokens, 5, 5),
		"sql":        datasource.NewSQLClient(sqlConns),
	})
}
