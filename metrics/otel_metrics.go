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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vfsd/vfsd/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName   = "vfsd"
	logInterval = 5 * time.Minute
)

var unrecognizedAttr atomic.Value

type histogramRecord struct {
	ctx        context.Context
	instrument metric.Int64Histogram
	value      int64
	attributes metric.RecordOption
}

// counter is one data point of an observable counter.
type counter struct {
	value atomic.Int64
	attrs metric.ObserveOption
}

type errorKey struct {
	category string
	op       string
}

type otelMetrics struct {
	ch chan histogramRecord
	wg *sync.WaitGroup

	// Constant after construction; the values are updated atomically.
	opsCount      map[string]*counter
	opsErrorCount map[errorKey]*counter
	latencyAttrs  map[string]metric.RecordOption
	openHandles   atomic.Int64

	opsLatency metric.Int64Histogram
}

var _ MetricHandle = &otelMetrics{}

func (o *otelMetrics) VfsOpsCount(inc int64, vfsOp string) {
	if inc < 0 {
		logger.Errorf("Counter metric vfs/ops_count received a negative increment: %d", inc)
		return
	}

	c, ok := o.opsCount[vfsOp]
	if !ok {
		updateUnrecognizedAttribute(vfsOp)
		return
	}
	c.value.Add(inc)
}

func (o *otelMetrics) VfsOpsErrorCount(inc int64, errorCategory string, vfsOp string) {
	if inc < 0 {
		logger.Errorf("Counter metric vfs/ops_error_count received a negative increment: %d", inc)
		return
	}

	c, ok := o.opsErrorCount[errorKey{category: errorCategory, op: vfsOp}]
	if !ok {
		updateUnrecognizedAttribute(errorCategory + "/" + vfsOp)
		return
	}
	c.value.Add(inc)
}

func (o *otelMetrics) VfsOpsLatency(ctx context.Context, latency time.Duration, vfsOp string) {
	attrs, ok := o.latencyAttrs[vfsOp]
	if !ok {
		updateUnrecognizedAttribute(vfsOp)
		return
	}

	record := histogramRecord{ctx: ctx, instrument: o.opsLatency, value: latency.Microseconds(), attributes: attrs}
	select {
	case o.ch <- record: // Do nothing
	default: // Unblock writes to channel if it's full.
	}
}

func (o *otelMetrics) VfsOpenHandles(inc int64) {
	o.openHandles.Add(inc)
}

// NewOTelMetrics registers the instruments with the global meter provider.
// Histogram records are handed to workers through a channel of bufferSize
// entries; they are dropped while the channel is full.
func NewOTelMetrics(ctx context.Context, workers int, bufferSize int) (*otelMetrics, error) {
	ch := make(chan histogramRecord, bufferSize)
	var wg sync.WaitGroup
	startSampledLogging(ctx)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range ch {
				if record.attributes != nil {
					record.instrument.Record(record.ctx, record.value, record.attributes)
				} else {
					record.instrument.Record(record.ctx, record.value)
				}
			}
		}()
	}

	o := &otelMetrics{
		ch:            ch,
		wg:            &wg,
		opsCount:      make(map[string]*counter, len(vfsOps)),
		opsErrorCount: make(map[errorKey]*counter, len(vfsOps)*len(errorCategories)),
		latencyAttrs:  make(map[string]metric.RecordOption, len(vfsOps)),
	}

	for _, op := range vfsOps {
		opAttr := attribute.String("vfs_op", op)
		o.opsCount[op] = &counter{attrs: metric.WithAttributeSet(attribute.NewSet(opAttr))}
		o.latencyAttrs[op] = metric.WithAttributeSet(attribute.NewSet(opAttr))

		for _, category := range errorCategories {
			o.opsErrorCount[errorKey{category: category, op: op}] = &counter{
				attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("error_category", category), opAttr)),
			}
		}
	}

	meter := otel.Meter(meterName)

	_, err0 := meter.Int64ObservableCounter("vfs/ops_count",
		metric.WithDescription("The cumulative number of ops processed by the namespace."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			for _, c := range o.opsCount {
				conditionallyObserve(obsrv, c)
			}
			return nil
		}))

	_, err1 := meter.Int64ObservableCounter("vfs/ops_error_count",
		metric.WithDescription("The cumulative number of errors generated by namespace operations."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			for _, c := range o.opsErrorCount {
				conditionallyObserve(obsrv, c)
			}
			return nil
		}))

	opsLatency, err2 := meter.Int64Histogram("vfs/ops_latency",
		metric.WithDescription("The cumulative distribution of namespace operation latencies."),
		metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000))
	o.opsLatency = opsLatency

	_, err3 := meter.Int64ObservableUpDownCounter("vfs/open_handles",
		metric.WithDescription("The number of handles currently open by callers."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(o.openHandles.Load())
			return nil
		}))

	if err := errors.Join(err0, err1, err2, err3); err != nil {
		return nil, err
	}

	return o, nil
}

func (o *otelMetrics) Close() {
	close(o.ch)
	o.wg.Wait()
}

func conditionallyObserve(obsrv metric.Int64Observer, c *counter) {
	if val := c.value.Load(); val > 0 {
		obsrv.Observe(val, c.attrs)
	}
}

func updateUnrecognizedAttribute(newValue string) {
	unrecognizedAttr.CompareAndSwap("", newValue)
}

// startSampledLogging starts a goroutine that logs unrecognized attributes
// periodically.
func startSampledLogging(ctx context.Context) {
	unrecognizedAttr.Store("")

	go func() {
		ticker := time.NewTicker(logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logUnrecognizedAttribute()
			}
		}
	}()
}

func logUnrecognizedAttribute() {
	if currentAttr := unrecognizedAttr.Swap("").(string); currentAttr != "" {
		logger.Tracef("Attribute %s is not declared", currentAttr)
	}
}
