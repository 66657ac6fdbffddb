// Copyright 2025 Warden Labs
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

package warden

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

// setupTracing configures the global OTel tracer provider. Spans are
// exported via OTLP over HTTP (endpoint and headers come from the
// standard OTEL_EXPORTER_OTLP_* env vars), optionally mirrored to stdout.
// The provider shutdown is registered so buffered spans flush on exit.
func (b *Bot) setupTracing() error {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otlpExporter, err := otlptracehttp.New(context.Background())
	if err != nil {
		return err
	}
	providerOpts := []trace.TracerProviderOption{
		trace.WithBatcher(otlpExporter),
	}
	if b.config.tracingStdout {
		stdoutExporter, err := stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return err
		}
		providerOpts = append(
			providerOpts,
			trace.WithBatcher(stdoutExporter),
		)
	}
	tracerProvider := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tracerProvider)
	b.shutdownFuncs = append(b.shutdownFuncs, tracerProvider.Shutdown)
	return nil
}
