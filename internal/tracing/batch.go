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

package tracing

import (
	"context"
	"fmt"

	"github.com/migrond/migrond/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchSpan wraps an OpenTelemetry span with dispatch-specific helpers.
// It covers both the scheduler's per-runbook tick work and the
// orchestrator's per-step/per-init dispatch.
type DispatchSpan struct {
	span trace.Span
}

// StartBatchTick creates a root span for one scheduler pass over a runbook.
func StartBatchTick(ctx context.Context, tracer trace.Tracer, runbookName string, batchID int64) (context.Context, *DispatchSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("scheduler.tick: %s", runbookName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("runbook.name", runbookName),
			attribute.Int64("batch.id", batchID),
			attribute.String("span.type", "scheduler.tick"),
		),
	)

	return ctx, &DispatchSpan{span: span}
}

// StartStepDispatch creates a span for dispatching one step execution to a
// worker over the message bus.
func StartStepDispatch(ctx context.Context, tracer trace.Tracer, stepID int64, functionName string) (context.Context, *DispatchSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("step.dispatch: %s", functionName),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("step.id", stepID),
			attribute.String("step.function", functionName),
			attribute.String("span.type", "orchestrator.step_dispatch"),
		),
	)

	return ctx, &DispatchSpan{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (d *DispatchSpan) SetAttributes(attrs map[string]any) {
	if d == nil || d.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	d.span.SetAttributes(otelAttrs...)
}

// AddEvent records a timestamped event within the span.
func (d *DispatchSpan) AddEvent(name string, attrs map[string]any) {
	if d == nil || d.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	d.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

// RecordError records an error that occurred during dispatch.
func (d *DispatchSpan) RecordError(err error) {
	if d == nil || d.span == nil || err == nil {
		return
	}

	d.span.RecordError(err)
	d.span.SetStatus(codes.Error, err.Error())
}

// SetStatus sets the span's final status.
func (d *DispatchSpan) SetStatus(code observability.StatusCode, message string) {
	if d == nil || d.span == nil {
		return
	}

	var otelCode codes.Code
	switch code {
	case observability.StatusCodeOK:
		otelCode = codes.Ok
	case observability.StatusCodeError:
		otelCode = codes.Error
	default:
		otelCode = codes.Unset
	}

	d.span.SetStatus(otelCode, message)
}

// End marks the span as complete.
func (d *DispatchSpan) End() {
	if d == nil || d.span == nil {
		return
	}

	d.span.End()
}

// SpanContext returns the span's trace context for propagation.
func (d *DispatchSpan) SpanContext() trace.SpanContext {
	if d == nil || d.span == nil {
		return trace.SpanContext{}
	}

	return d.span.SpanContext()
}

// TraceID returns the trace ID as a string.
func (d *DispatchSpan) TraceID() string {
	if d == nil || d.span == nil {
		return ""
	}

	return d.span.SpanContext().TraceID().String()
}

// SpanID returns the span ID as a string.
func (d *DispatchSpan) SpanID() string {
	if d == nil || d.span == nil {
		return ""
	}

	return d.span.SpanContext().SpanID().String()
}
