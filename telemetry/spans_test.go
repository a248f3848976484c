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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return tp, exporter
}

func TestStartPlaybookSpanRecordsAttributes(t *testing.T) {
	tp, exporter := newRecordingProvider(t)
	defer tp.Shutdown(context.Background())

	otel.SetTracerProvider(tp)

	_, span := StartPlaybookSpan(context.Background(), "site.yml", 3)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "playbook.run", spans[0].Name)
	require.Contains(t, spans[0].Attributes, attribute.String("playbook.name", "site.yml"))
	require.Contains(t, spans[0].Attributes, attribute.Int("playbook.host_count", 3))
}

func TestEndWithErrorMarksSpanErrored(t *testing.T) {
	tp, exporter := newRecordingProvider(t)
	defer tp.Shutdown(context.Background())

	tr := tp.Tracer(instrumentationName)
	_, span := tr.Start(context.Background(), "task.run")
	EndWithError(span, errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "Error", spans[0].Status.Code.String())
	require.NotEmpty(t, spans[0].Events)
}

func TestEndWithErrorNilLeavesSpanOK(t *testing.T) {
	tp, exporter := newRecordingProvider(t)
	defer tp.Shutdown(context.Background())

	tr := tp.Tracer(instrumentationName)
	_, span := tr.Start(context.Background(), "task.run")
	EndWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Empty(t, spans[0].Events)
}
