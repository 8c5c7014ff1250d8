package transport

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics

	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}

	found := make(map[string]metricdata.Aggregation)

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}

	return found
}

func consumerValue(t *testing.T, points []metricdata.DataPoint[int64], consumer int) int64 {
	t.Helper()

	for _, dp := range points {
		if v, ok := dp.Attributes.Value(attribute.Key("consumer")); ok && v.AsInt64() == int64(consumer) {
			return dp.Value
		}
	}

	t.Fatalf("no data point for consumer %d", consumer)
	return 0
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	defer provider.Shutdown(context.Background())

	tr := newTestTransport(t, 4<<20, 2, WithMeter(provider.Meter("shmq")))

	tr.Send(1, 4, []byte("abc"), PriorityNormal)
	tr.Send(1, 2, []byte("def"), PriorityNormal)

	found := collect(t, reader)

	depth, ok := found["shmq.queue.depth"].(metricdata.Gauge[int64])

	if !ok {
		t.Fatalf("shmq.queue.depth missing: %v", found)
	}

	if got := consumerValue(t, depth.DataPoints, 1); got != 2 {
		t.Errorf("depth of consumer 1 = %d, want 2", got)
	}

	if got := consumerValue(t, depth.DataPoints, 0); got != 0 {
		t.Errorf("depth of consumer 0 = %d, want 0", got)
	}

	items, ok := found["shmq.sent.items"].(metricdata.Sum[int64])

	if !ok {
		t.Fatalf("shmq.sent.items missing: %v", found)
	}

	if got := consumerValue(t, items.DataPoints, 1); got != 6 {
		t.Errorf("items sent to consumer 1 = %d, want 6", got)
	}

	for _, name := range []string{"shmq.queue.items", "shmq.sent.chunks", "shmq.arena.free_bytes", "shmq.pool.pooled_bytes"} {
		if _, ok := found[name]; !ok {
			t.Errorf("%s not reported", name)
		}
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	found = collect(t, reader)

	if depth, ok := found["shmq.queue.depth"].(metricdata.Gauge[int64]); ok && len(depth.DataPoints) != 0 {
		t.Errorf("queue depth still observed after Close: %v", depth.DataPoints)
	}
}
