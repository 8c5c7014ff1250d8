package transport

import (
	"github.com/webbmaffian/go-shmq/serial"
)

// Priority of a send. High priority sends ignore the low memory watermark
// but still wait when the arena cannot satisfy the allocation at all.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}

	return "normal"
}

// Send copies payload into a chunk carrying items records and appends it to
// the consumer's queue. It returns once the chunk is queued, however long
// that takes; an out of range consumer panics.
func (t *Transport) Send(consumer int, items uint64, payload []byte, prio Priority) {
	t.SendFunc(consumer, items, uint64(len(payload)), func(dst []byte) {
		copy(dst, payload)
	}, prio)
}

// SendFunc allocates a chunk of length bytes and lets fill write straight
// into it before queueing, saving the intermediate copy.
func (t *Transport) SendFunc(consumer int, items, length uint64, fill func(dst []byte), prio Priority) {
	t.checkConsumer(consumer)

	off := t.allocateChunk(length, prio)
	fill(t.pool.Payload(off))
	t.pool.Header(off).Items = items

	t.push(consumer, off, items)
}

// SendBuffer streams a serial buffer into one chunk. The buffer is left
// untouched, so callers typically Clean it afterwards.
func (t *Transport) SendBuffer(consumer int, b *serial.Buffer, prio Priority) {
	t.SendFunc(consumer, uint64(b.Count()), uint64(b.Len()), func(dst []byte) {
		copy(dst, b.Bytes())
	}, prio)
}

// available is the memory a send can draw on: free arena bytes plus buffers
// parked in the pool, which drained chunks return to.
func (t *Transport) available() uint64 {
	return t.arena.FreeBytes() + t.pool.PooledBytes()
}

func (t *Transport) allocateChunk(size uint64, prio Priority) uint64 {
	s := stall{t: t}

	if prio != PriorityHigh {
		for {
			avail := t.available()

			if avail >= t.watermark {
				break
			}

			s.wait("transport: free memory below watermark, waiting", "available", avail, "watermark", t.watermark)
		}
	}

	for {
		off, err := t.pool.Get(size)

		if err == nil {
			return off
		}

		// Pooled buffers of other classes may cover the request once back in
		// the arena.
		if t.pool.Trim(0) > 0 {
			continue
		}

		s.wait("transport: cannot allocate chunk, waiting", "size", size, "priority", prio, "error", err)
	}
}

func (t *Transport) push(consumer int, off, items uint64) {
	q := &t.queues[consumer]

	q.lock.Lock()
	defer q.lock.Unlock()

	if q.first == 0 {
		q.first = off
	} else {
		t.pool.Header(q.last).Next = off
	}

	q.last = off
	q.count++
	q.items += items
	q.chunksSent++
	q.itemsSent += items
}
