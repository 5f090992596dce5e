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

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupOTel(ctx context.Context, t *testing.T) (*otelMetrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(provider)

	m, err := NewOTelMetrics(ctx, 10, 100)
	require.NoError(t, err)
	return m, reader
}

// gatherSums collects the Sum[int64] data points by metric name and encoded
// attribute set.
func gatherSums(ctx context.Context, t *testing.T, rd *metric.ManualReader) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, rd.Collect(ctx, &rm))

	results := make(map[string]map[string]int64)
	encoder := attribute.DefaultEncoder()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			values := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				values[dp.Attributes.Encoded(encoder)] = dp.Value
			}
			results[m.Name] = values
		}
	}
	return results
}

// gatherHistogramCounts collects the histogram data point counts by metric
// name and encoded attribute set.
func gatherHistogramCounts(ctx context.Context, t *testing.T, rd *metric.ManualReader) map[string]map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, rd.Collect(ctx, &rm))

	results := make(map[string]map[string]uint64)
	encoder := attribute.DefaultEncoder()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			hist, ok := m.Data.(metricdata.Histogram[int64])
			if !ok {
				continue
			}

			counts := make(map[string]uint64)
			for _, dp := range hist.DataPoints {
				counts[dp.Attributes.Encoded(encoder)] = dp.Count
			}
			results[m.Name] = counts
		}
	}
	return results
}

func encoded(kvs ...attribute.KeyValue) string {
	s := attribute.NewSet(kvs...)
	return s.Encoded(attribute.DefaultEncoder())
}

func TestVfsOpsCount(t *testing.T) {
	tests := []struct {
		name     string
		f        func(m *otelMetrics)
		expected map[string]int64
	}{
		{
			name: "single_op",
			f: func(m *otelMetrics) {
				m.VfsOpsCount(5, VfsOpOpen)
			},
			expected: map[string]int64{
				encoded(attribute.String("vfs_op", VfsOpOpen)): 5,
			},
		},
		{
			name: "accumulates",
			f: func(m *otelMetrics) {
				m.VfsOpsCount(2, VfsOpMove)
				m.VfsOpsCount(3, VfsOpMove)
				m.VfsOpsCount(1, VfsOpUnlink)
			},
			expected: map[string]int64{
				encoded(attribute.String("vfs_op", VfsOpMove)):   5,
				encoded(attribute.String("vfs_op", VfsOpUnlink)): 1,
			},
		},
		{
			name: "negative_and_unknown_are_ignored",
			f: func(m *otelMetrics) {
				m.VfsOpsCount(-1, VfsOpStat)
				m.VfsOpsCount(1, "Frobnicate")
				m.VfsOpsCount(1, VfsOpStat)
			},
			expected: map[string]int64{
				encoded(attribute.String("vfs_op", VfsOpStat)): 1,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m, rd := setupOTel(ctx, t)

			tc.f(m)

			assert.Equal(t, tc.expected, gatherSums(ctx, t, rd)["vfs/ops_count"])
		})
	}
}

func TestVfsOpsErrorCount(t *testing.T) {
	ctx := context.Background()
	m, rd := setupOTel(ctx, t)

	m.VfsOpsErrorCount(1, ErrorCategoryBUSY, VfsOpUnmount)
	m.VfsOpsErrorCount(2, ErrorCategoryBUSY, VfsOpUnmount)
	m.VfsOpsErrorCount(1, ErrorCategoryNOFILEORDIR, VfsOpStat)
	m.VfsOpsErrorCount(1, "SOMETHING_ELSE", VfsOpStat)

	assert.Equal(t, map[string]int64{
		encoded(attribute.String("error_category", ErrorCategoryBUSY), attribute.String("vfs_op", VfsOpUnmount)):    3,
		encoded(attribute.String("error_category", ErrorCategoryNOFILEORDIR), attribute.String("vfs_op", VfsOpStat)): 1,
	}, gatherSums(ctx, t, rd)["vfs/ops_error_count"])
}

func TestVfsOpsLatency(t *testing.T) {
	ctx := context.Background()
	m, rd := setupOTel(ctx, t)

	m.VfsOpsLatency(ctx, 3*time.Microsecond, VfsOpRead)
	m.VfsOpsLatency(ctx, 300*time.Microsecond, VfsOpRead)
	m.VfsOpsLatency(ctx, time.Millisecond, VfsOpWrite)
	m.Close()

	assert.Equal(t, map[string]uint64{
		encoded(attribute.String("vfs_op", VfsOpRead)):  2,
		encoded(attribute.String("vfs_op", VfsOpWrite)): 1,
	}, gatherHistogramCounts(ctx, t, rd)["vfs/ops_latency"])
}

func TestVfsOpenHandles(t *testing.T) {
	ctx := context.Background()
	m, rd := setupOTel(ctx, t)

	m.VfsOpenHandles(3)
	m.VfsOpenHandles(-1)

	assert.Equal(t, map[string]int64{encoded(): 2}, gatherSums(ctx, t, rd)["vfs/open_handles"])
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()

	m.VfsOpsCount(1, VfsOpOpen)
	m.VfsOpsErrorCount(1, ErrorCategoryIOERROR, VfsOpOpen)
	m.VfsOpsLatency(context.Background(), time.Second, VfsOpOpen)
	m.VfsOpenHandles(1)
}
