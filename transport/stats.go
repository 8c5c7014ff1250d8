package transport

// Diagnostics take each queue's lock in turn, so figures across queues are
// not a consistent snapshot. They are meant for monitoring only.

// QueueStats describes one consumer queue.
type QueueStats struct {
	Consumer   int
	Chunks     uint64 // chunks waiting, excluding batches already detached by a receiver
	Items      uint64
	ChunksSent uint64
	ItemsSent  uint64
}

func (t *Transport) queueStats(consumer int) QueueStats {
	q := &t.queues[consumer]

	q.lock.Lock()
	defer q.lock.Unlock()

	return QueueStats{
		Consumer:   consumer,
		Chunks:     q.count,
		Items:      q.items,
		ChunksSent: q.chunksSent,
		ItemsSent:  q.itemsSent,
	}
}

func (t *Transport) Stats() []QueueStats {
	stats := make([]QueueStats, len(t.queues))

	for i := range t.queues {
		stats[i] = t.queueStats(i)
	}

	return stats
}

// DumpQueues logs one line per queue and returns what it logged.
func (t *Transport) DumpQueues() []QueueStats {
	stats := t.Stats()

	for _, s := range stats {
		t.log.Info("transport: queue",
			"consumer", s.Consumer,
			"chunks", s.Chunks,
			"items", s.Items,
			"chunks_sent", s.ChunksSent,
			"items_sent", s.ItemsSent,
		)
	}

	t.log.Info("transport: arena",
		"free_bytes", t.arena.FreeBytes(),
		"pooled_bytes", t.pool.PooledBytes(),
		"watermark", t.watermark,
	)

	return stats
}

func (t *Transport) SentChunks() (n uint64) {
	for i := range t.queues {
		n += t.queueStats(i).ChunksSent
	}

	return
}

func (t *Transport) SentItems() (n uint64) {
	for i := range t.queues {
		n += t.queueStats(i).ItemsSent
	}

	return
}

// QueueDepth returns the chunks waiting in one consumer's queue.
func (t *Transport) QueueDepth(consumer int) uint64 {
	t.checkConsumer(consumer)
	return t.queueStats(consumer).Chunks
}
