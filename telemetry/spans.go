/*
Copyright 2024 Fleetforge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this package's spans to the
// configured TracerProvider.
const instrumentationName = "github.com/fleetforge/corectl/telemetry"

func tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartPlaybookSpan opens a span covering one playbook's entire run.
func StartPlaybookSpan(ctx context.Context, playbook string, hostCount int) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "playbook.run",
		oteltrace.WithAttributes(
			attribute.String("playbook.name", playbook),
			attribute.Int("playbook.host_count", hostCount),
		))
}

// StartTaskSpan opens a span covering one task's execution on one host.
func StartTaskSpan(ctx context.Context, taskName, host, module string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "task.run",
		oteltrace.WithAttributes(
			attribute.String("task.name", taskName),
			attribute.String("task.host", host),
			attribute.String("task.module", module),
		))
}

// StartConnectionSpan opens a span covering an SSH connection attempt
// (dial, handshake, auth) to one host.
func StartConnectionSpan(ctx context.Context, host string, port int) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "connection.dial",
		oteltrace.WithAttributes(
			attribute.String("connection.host", host),
			attribute.Int("connection.port", port),
		),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient))
}

// StartModuleSpan opens a span covering one module invocation within a
// task (the module may run multiple remote commands).
func StartModuleSpan(ctx context.Context, module, host string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "module.dispatch",
		oteltrace.WithAttributes(
			attribute.String("module.name", module),
			attribute.String("module.host", host),
		))
}

// EndWithError records err on span (if non-nil, marking the span as
// errored) and ends it. Safe to call with a nil err on success paths.
func EndWithError(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
