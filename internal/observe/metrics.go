// Package observe holds the OpenTelemetry instruments recorded by the
// capture, model and transcription components.
//
// Components take a *Metrics at construction. Passing nil selects
// DefaultMetrics, which is bound to the global meter provider (a no-op
// unless the binary installs one). Tests use NewMetrics with an SDK
// provider and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/chaz8081/recast"

// Metrics holds all metric instruments. Safe for concurrent use.
type Metrics struct {
	// CaptureRebuilds counts capture graph builds. Attribute "backend".
	CaptureRebuilds metric.Int64Counter

	// CaptureBuildErrors counts failed capture graph builds.
	CaptureBuildErrors metric.Int64Counter

	// FramesDropped counts capture buffers a consumer had to discard.
	// Attribute "consumer".
	FramesDropped metric.Int64Counter

	// ModelPrepareDuration tracks model preparation latency. Attributes
	// "model" and "status".
	ModelPrepareDuration metric.Float64Histogram

	// ModelCacheHits counts EnsureReady calls answered from the ready map.
	ModelCacheHits metric.Int64Counter

	// Segments counts transcript segments delivered.
	Segments metric.Int64Counter

	// Batches counts finished transcription batches. Attribute "status".
	Batches metric.Int64Counter

	// DefaultChanges counts default-route notifications emitted by the tracker.
	DefaultChanges metric.Int64Counter
}

var prepareBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureRebuilds, err = m.Int64Counter("recast.capture.rebuilds",
		metric.WithDescription("Capture graph builds by backend element."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBuildErrors, err = m.Int64Counter("recast.capture.build_errors",
		metric.WithDescription("Capture graph builds that failed."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("recast.capture.frames_dropped",
		metric.WithDescription("Capture buffers dropped by a slow consumer."),
	); err != nil {
		return nil, err
	}
	if met.ModelPrepareDuration, err = m.Float64Histogram("recast.model.prepare.duration",
		metric.WithDescription("Latency of model preparation, including download."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(prepareBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelCacheHits, err = m.Int64Counter("recast.model.cache.hits",
		metric.WithDescription("Model requests served without preparation."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("recast.transcribe.segments",
		metric.WithDescription("Transcript segments delivered."),
	); err != nil {
		return nil, err
	}
	if met.Batches, err = m.Int64Counter("recast.transcribe.batches",
		metric.WithDescription("Transcription batches by final status."),
	); err != nil {
		return nil, err
	}
	if met.DefaultChanges, err = m.Int64Counter("recast.tracker.default_changes",
		metric.WithDescription("Default input route changes observed."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance bound to
// otel.GetMeterProvider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// OrDefault returns m, or DefaultMetrics when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics()
	}
	return m
}

// RecordRebuild records one capture build attempt.
func (m *Metrics) RecordRebuild(ctx context.Context, backend string, err error) {
	m.CaptureRebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
	if err != nil {
		m.CaptureBuildErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
	}
}

// RecordPrepare records how long preparing model took and whether it succeeded.
func (m *Metrics) RecordPrepare(ctx context.Context, model string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModelPrepareDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordBatch records the final status of one transcription batch.
func (m *Metrics) RecordBatch(ctx context.Context, status string) {
	m.Batches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDropped records n dropped buffers for consumer.
func (m *Metrics) RecordDropped(ctx context.Context, consumer string, n int64) {
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("consumer", consumer)))
}
