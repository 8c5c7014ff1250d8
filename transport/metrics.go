package transport

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// registerMetrics exposes queue backlog, send counters and arena headroom as
// observable instruments, read from shared memory at collection time.
func (t *Transport) registerMetrics() (err error) {
	if t.meter == nil {
		return
	}

	depth, err := t.meter.Int64ObservableGauge("shmq.queue.depth",
		metric.WithDescription("Chunks waiting in a consumer queue."),
		metric.WithUnit("{chunk}"))

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	items, err := t.meter.Int64ObservableGauge("shmq.queue.items",
		metric.WithDescription("Items in chunks waiting in a consumer queue."),
		metric.WithUnit("{item}"))

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	sentChunks, err := t.meter.Int64ObservableCounter("shmq.sent.chunks",
		metric.WithDescription("Chunks sent to a consumer queue."),
		metric.WithUnit("{chunk}"))

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	sentItems, err := t.meter.Int64ObservableCounter("shmq.sent.items",
		metric.WithDescription("Items sent to a consumer queue."),
		metric.WithUnit("{item}"))

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	free, err := t.meter.Int64ObservableGauge("shmq.arena.free_bytes",
		metric.WithDescription("Free bytes in the shared arena."),
		metric.WithUnit("By"))

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	pooled, err := t.meter.Int64ObservableGauge("shmq.pool.pooled_bytes",
		metric.WithDescription("Bytes parked on pool free lists."),
		metric.WithUnit("By"))

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	channel := attribute.String("channel", t.name)

	t.reg, err = t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range t.Stats() {
			attrs := metric.WithAttributes(channel, attribute.Int("consumer", s.Consumer))

			o.ObserveInt64(depth, int64(s.Chunks), attrs)
			o.ObserveInt64(items, int64(s.Items), attrs)
			o.ObserveInt64(sentChunks, int64(s.ChunksSent), attrs)
			o.ObserveInt64(sentItems, int64(s.ItemsSent), attrs)
		}

		o.ObserveInt64(free, int64(t.arena.FreeBytes()), metric.WithAttributes(channel))
		o.ObserveInt64(pooled, int64(t.pool.PooledBytes()), metric.WithAttributes(channel))

		return nil
	}, depth, items, sentChunks, sentItems, free, pooled)

	if err != nil {
		return fmt.Errorf("transport: metrics: %w", err)
	}

	return
}
