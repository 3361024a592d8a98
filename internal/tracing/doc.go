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
Package tracing provides distributed tracing for flowd.

It wraps the OpenTelemetry SDK behind the pkg/observability interfaces
so the rest of the engine depends on a small Tracer/SpanHandle contract
rather than on OTel directly, and adds workflow-specific span helpers,
correlation ID propagation, and configurable trace sampling. Prometheus
metrics are handled separately by internal/metrics; this package only
ever carries spans.

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "flowd",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate:    0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans:

	tracer := provider.Tracer("worker")

	ctx, span := tracer.Start(ctx, "dispatch_task",
	    observability.WithAttributes(map[string]any{
	        "task.name": taskName,
	    }),
	)
	defer span.End()

Workflow runs and steps get dedicated helpers, which take an OTel
trace.Tracer rather than the observability.Tracer above:

	otelTracer := otel.Tracer("worker")

	ctx, span := tracing.StartWorkflowRun(ctx, otelTracer, execID, workflowName)
	defer span.End()

	ctx, stepSpan := tracing.StartStep(ctx, otelTracer, "step-3", "task")
	defer stepSpan.End()

# Correlation IDs

Correlation IDs travel in a request's context and its X-Correlation-ID
header. Neither the HTTP router nor the worker installs these helpers;
a caller wires them in itself:

	correlationID := tracing.FromContext(ctx)
	req.Header.Set("X-Correlation-ID", string(correlationID))
	handler = tracing.CorrelationMiddleware(handler)

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper implementing observability.TracerProvider
  - WorkflowSpan: span helpers for workflow runs and steps
  - CorrelationID: request correlation IDs carried in context and HTTP headers
  - Sampler: configurable trace sampling
*/
package tracing
