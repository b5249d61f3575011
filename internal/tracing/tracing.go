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

// Package tracing builds the process-wide OpenTelemetry SDK backend:
// a real sdktrace.TracerProvider registered via otel.SetTracerProvider,
// and a metric.MeterProvider fed by a Prometheus reader and registered
// via otel.SetMeterProvider. Without this, every otel.Tracer/otel.Meter
// call elsewhere in the module (internal/observability/shardsink) runs
// against the package's global no-op implementations and every span or
// instrument is silently discarded.
//
// Grounded on the teacher's internal/tracing/otel.go and exporter.go,
// narrowed to the two exporters that don't pull in a gRPC/HTTP OTLP
// client: a stdout console exporter and the Prometheus metrics reader.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects where spans are sent. Metrics always go through the
// Prometheus reader regardless of this setting — MetricsHandler exposes
// it over HTTP the way the teacher's OTelProvider does.
type Exporter string

const (
	// ExporterNone registers a real TracerProvider with no span
	// processor attached: spans are created, recorded, and ended for
	// real (RecordError/SetStatus do real work), they are just never
	// exported anywhere. This is the default — a demo CLI shouldn't
	// spam stdout with span JSON on every run.
	ExporterNone Exporter = "none"
	// ExporterStdout pretty-prints every finished span to stdout via
	// stdouttrace, batched through a BatchSpanProcessor.
	ExporterStdout Exporter = "stdout"
)

// Config controls the tracer/meter providers NewProvider builds.
type Config struct {
	// ServiceName is attached to every span/metric as a resource
	// attribute.
	ServiceName string
	// Exporter selects the span destination. Default ExporterNone.
	Exporter Exporter
}

// DefaultConfig returns a Config with the no-op exporter.
func DefaultConfig() Config {
	return Config{ServiceName: "ablauf", Exporter: ExporterNone}
}

// Provider owns the process-wide TracerProvider and MeterProvider and
// the Prometheus reader backing the latter.
type Provider struct {
	tp  *sdktrace.TracerProvider
	mp  *metric.MeterProvider
	reg *otelprom.Exporter
}

// NewProvider builds and globally registers a real TracerProvider and
// MeterProvider. Every otel.Tracer/otel.Meter call made anywhere in the
// process after this returns observes the real SDK, not the no-op
// default.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ablauf"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch cfg.Exporter {
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	case ExporterNone, "":
		// no span processor: spans are real but unexported.
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("tracing: build prometheus reader: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp, reg: promExporter}, nil
}

// Tracer returns a named tracer from the registered TracerProvider.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

// MetricsHandler serves the Prometheus registry the MeterProvider feeds,
// the same promhttp.Handler() the teacher's OTelProvider exposes.
func (p *Provider) MetricsHandler() http.Handler { return promhttp.Handler() }

// Shutdown flushes and stops both providers. Safe to call once during
// process teardown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: shutdown tracer provider: %w", err)
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: shutdown meter provider: %w", err)
	}
	return nil
}

var (
	globalOnce sync.Once
	global     *Provider
	globalErr  error
)

// Global builds the process-wide Provider exactly once and registers it
// as the otel default, regardless of how many Engines a single process
// constructs. otel.SetTracerProvider/SetMeterProvider are themselves
// global mutable state, so re-registering per Engine instance would
// both be wasted work and, for the Prometheus reader, a duplicate
// collector registration against the default registerer. Calls after
// the first ignore cfg and return the first call's result.
func Global(ctx context.Context, cfg Config) (*Provider, error) {
	globalOnce.Do(func() {
		global, globalErr = NewProvider(ctx, cfg)
	})
	return global, globalErr
}
