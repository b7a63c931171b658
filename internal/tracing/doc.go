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
Package tracing provides distributed tracing for the scheduler and
orchestrator processes.

It wraps the OpenTelemetry SDK to export spans covering scheduler ticks
and per-step dispatch, plus correlation ID propagation for linking a
batch member's execution across the bus. Prometheus metrics are owned
exclusively by internal/metrics; this package covers span export only.

# Quick Start

Create an OTel provider:

	cfg := tracing.DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = "migrond"
	cfg.Exporters = []tracing.ExporterConfig{{Type: "otlp", Endpoint: "localhost:4317"}}

	processors, err := tracing.CreateExportersFromConfig(ctx, cfg)
	opts := make([]sdktrace.TracerProviderOption, len(processors))
	for i, p := range processors {
	    opts[i] = sdktrace.WithSpanProcessor(p)
	}
	provider, err := tracing.NewOTelProviderWithConfig(cfg, opts...)

Dispatch spans are created via the package-level helpers rather than
through the provider directly, since the scheduler and orchestrator
obtain their tracer from the global otel.Tracer(name) registered by
NewOTelProvider:

	ctx, span := tracing.StartStepDispatch(ctx, tracer, stepID, functionName)
	defer span.End()

# Correlation IDs

	correlationID := tracing.FromContext(ctx)
	req.Header.Set("X-Correlation-ID", string(correlationID))
	handler = tracing.CorrelationMiddleware(handler)

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper, span export only
  - DispatchSpan: helpers for scheduler-tick and step-dispatch spans
  - CorrelationID: request correlation across services
  - Sampler: configurable trace sampling
  - export: exporter backends (console, OTLP over gRPC, OTLP over HTTP)
*/
package tracing
