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
	"errors"
	"fmt"

	"github.com/vfsd/vfsd/cfg"
	"github.com/vfsd/vfsd/internal/logger"
	"github.com/vfsd/vfsd/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetrics installs a meter provider backed by a manual reader and
// returns a metric handle recording into it. The returned shutdown function
// logs what was collected and releases the provider.
func setupMetrics(ctx context.Context, c *cfg.MetricsConfig) (mh metrics.MetricHandle, shutdown func(context.Context) error, err error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	m, err := metrics.NewOTelMetrics(ctx, int(c.Workers), int(c.BufferSize))
	if err != nil {
		err = errors.Join(fmt.Errorf("NewOTelMetrics: %w", err), provider.Shutdown(ctx))
		return
	}

	mh = m
	shutdown = func(ctx context.Context) error {
		// Drain pending histogram samples before collecting.
		m.Close()
		logMetrics(ctx, reader)
		return provider.Shutdown(ctx)
	}
	return
}

func logMetrics(ctx context.Context, reader *sdkmetric.ManualReader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		logger.Warnf("Collecting metrics: %v", err)
		return
	}

	encoder := attribute.DefaultEncoder()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					logger.Infof("metric %s{%s} = %d", m.Name, dp.Attributes.Encoded(encoder), dp.Value)
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					logger.Infof("metric %s{%s} count=%d sum=%d%s", m.Name, dp.Attributes.Encoded(encoder), dp.Count, dp.Sum, m.Unit)
				}
			}
		}
	}
}
