package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// HistogramSnapshot is the JSON rendering of one histogram series.
type HistogramSnapshot struct {
	Count   uint64             `json:"count"`
	Sum     float64            `json:"sum"`
	Buckets map[string]uint64  `json:"buckets"`
}

// Snapshot is the /v1/metrics response body.
type Snapshot struct {
	Counters   map[string]int64             `json:"counters"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// Snapshot collects the manual reader and renders every counter and
// histogram. Series are keyed by instrument name, with attribute sets
// rendered as a sorted {k=v} suffix.
func (p *Provider) Snapshot(ctx context.Context) (*Snapshot, error) {
	out := &Snapshot{
		Counters:   map[string]int64{},
		Histograms: map[string]HistogramSnapshot{},
	}
	if p == nil || p.reader == nil {
		return out, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out.Counters[seriesKey(m.Name, dp.Attributes)] = dp.Value
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out.Counters[seriesKey(m.Name, dp.Attributes)] = int64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out.Histograms[seriesKey(m.Name, dp.Attributes)] = histogramSnapshot(dp)
				}
			}
		}
	}
	return out, nil
}

func histogramSnapshot(dp metricdata.HistogramDataPoint[float64]) HistogramSnapshot {
	h := HistogramSnapshot{
		Count:   dp.Count,
		Sum:     dp.Sum,
		Buckets: map[string]uint64{},
	}
	for i, count := range dp.BucketCounts {
		var label string
		switch {
		case i < len(dp.Bounds):
			label = fmt.Sprintf("le_%g", dp.Bounds[i])
		default:
			label = "le_inf"
		}
		h.Buckets[label] = count
	}
	return h
}

// seriesKey renders "name" or "name{k=v,...}" with attributes sorted
// for stable output.
func seriesKey(name string, set attribute.Set) string {
	if set.Len() == 0 {
		return name
	}
	kvs := make([]string, 0, set.Len())
	for _, kv := range set.ToSlice() {
		kvs = append(kvs, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(kvs)
	return name + "{" + strings.Join(kvs, ",") + "}"
}
