// Copyright 2024 Google LLC
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

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/vfsd/vfsd/cfg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func initPropagators() {
	props := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(props)
}

// setupTracing bootstraps the OpenTelemetry tracing pipeline. It returns a
// nil shutdown function when tracing is disabled.
func setupTracing(c *cfg.TracingConfig, w io.Writer) (shutdown func(context.Context) error, err error) {
	switch c.Mode {
	case "":
		return

	case cfg.StdoutTracingMode:
		var exporter *stdouttrace.Exporter
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(w))
		if err != nil {
			err = fmt.Errorf("stdouttrace.New: %w", err)
			return
		}

		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		initPropagators()
		shutdown = tp.Shutdown
		return

	default:
		err = fmt.Errorf("unsupported tracing mode %q", c.Mode)
		return
	}
}
