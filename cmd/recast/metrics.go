package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chaz8081/recast/internal/observe"
)

// metricsSink owns the process meter provider. Totals are read on demand
// with a manual reader; there is no exporter.
type metricsSink struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	m        *observe.Metrics
}

func newMetricsSink() (*metricsSink, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return &metricsSink{reader: reader, provider: mp, m: m}, nil
}

func (s *metricsSink) shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

// print writes one line per counter data point and a count/sum line per
// histogram.
func (s *metricsSink) print(ctx context.Context, w io.Writer) {
	var rm metricdata.ResourceMetrics
	if err := s.reader.Collect(ctx, &rm); err != nil {
		fmt.Fprintf(w, "metrics unavailable: %v\n", err)
		return
	}
	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch data := met.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s %d", met.Name, attrs(dp.Attributes), dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s count=%d sum=%.3f", met.Name, attrs(dp.Attributes), dp.Count, dp.Sum))
				}
			}
		}
	}
	sort.Strings(lines)
	fmt.Fprintln(w, "--- metrics ---")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

func attrs(set attribute.Set) string {
	if set.Len() == 0 {
		return ""
	}
	return "{" + set.Encoded(attribute.DefaultEncoder()) + "}"
}
