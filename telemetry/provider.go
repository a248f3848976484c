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

// Package telemetry wires the engine's run spans (playbook, task, host
// connection, module dispatch) to an OpenTelemetry exporter: OTLP/gRPC
// when an agent address is configured, a JSON file under a configured
// directory otherwise, or a no-op tracer if neither is set.
package telemetry

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures a Provider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// AgentAddr, if set, is a "grpc://host:port" OTLP collector address.
	AgentAddr string
	// Directory, if set (and AgentAddr is not), writes spans as JSON
	// lines to "<Directory>/tracing" instead of exporting over OTLP.
	Directory string
	// SampleRatio is the fraction of traces to sample, in [0,1].
	SampleRatio float64
	Attributes  []attribute.KeyValue
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "corectl"
	}
	if c.SampleRatio <= 0 {
		c.SampleRatio = 1.0
	}
	return c
}

type spanExporter struct {
	exporter sdktrace.SpanExporter
	closer   io.Closer
}

func (e spanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return trace.Wrap(e.exporter.ExportSpans(ctx, spans))
}

func (e spanExporter) Shutdown(ctx context.Context) error {
	return trace.NewAggregate(e.exporter.Shutdown(ctx), e.closer.Close())
}

func newExporter(ctx context.Context, cfg Config) (*spanExporter, error) {
	switch {
	case cfg.AgentAddr != "":
		addr := strings.TrimPrefix(strings.TrimPrefix(cfg.AgentAddr, "grpc://"), "http://")
		conn, err := grpc.DialContext(ctx, addr, grpc.WithBlock(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		client := otlptracegrpc.NewClient(otlptracegrpc.WithGRPCConn(conn))
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, trace.NewAggregate(err, conn.Close())
		}
		return &spanExporter{exporter: exporter, closer: conn}, nil

	case cfg.Directory != "":
		f, err := os.OpenFile(path.Join(cfg.Directory, "tracing"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			return nil, trace.NewAggregate(err, f.Close())
		}
		return &spanExporter{exporter: exporter, closer: f}, nil

	default:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(io.Discard))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &spanExporter{exporter: exporter, closer: io.NopCloser(nil)}, nil
	}
}

// Provider is an oteltrace.TracerProvider wired to this engine's
// configured exporter.
type Provider struct {
	provider *sdktrace.TracerProvider
}

var _ oteltrace.TracerProvider = (*Provider)(nil)

// Tracer returns a named tracer, matching oteltrace.TracerProvider.
func (p *Provider) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	return p.provider.Tracer(name, opts...)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return trace.Wrap(p.provider.ForceFlush(ctx), p.provider.Shutdown(ctx))
}

// NewProvider builds and installs a Provider as the global tracer
// provider, matching how a single long-running process should have
// exactly one.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attrs := append([]attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}, cfg.Attributes...)
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	provider := &Provider{provider: sdk}
	otel.SetTracerProvider(provider)
	return provider, nil
}
