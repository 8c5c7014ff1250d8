package transport

// Receiver holds a batch of chunks detached from one consumer queue. It is
// private to the goroutine draining that queue; the zero value is ready.
type Receiver struct {
	pending  uint64 // head of the detached chain, 0 = none
	consumer int
}

func NewReceiver() *Receiver {
	return new(Receiver)
}

// Pending reports whether the receiver still holds detached chunks.
func (r *Receiver) Pending() bool {
	return r.pending != 0
}

// ReceiveOne hands the next chunk of the consumer's queue to cb and returns
// the number of items it carried, or 0 when nothing is queued. It never
// blocks. When the receiver is empty, the whole queue is detached under a
// single lock acquisition and later calls walk it without locking.
//
// The payload passed to cb is only valid during the call: the chunk goes
// back to the pool when cb returns.
func (t *Transport) ReceiveOne(r *Receiver, consumer int, cb func(payload []byte)) uint64 {
	t.checkConsumer(consumer)

	if r.pending == 0 {
		if r.pending = t.detach(consumer); r.pending == 0 {
			return 0
		}

		r.consumer = consumer
	} else if r.consumer != consumer {
		t.fatal("transport: receiver holds chunks of another consumer", "consumer", consumer, "held", r.consumer)
	}

	off := r.pending
	h := t.pool.Header(off)
	r.pending = h.Next
	items := h.Items

	defer t.pool.Put(off)
	cb(t.pool.Payload(off))

	return items
}

// CloseReceiver returns chunks the receiver detached but did not deliver to
// the pool. They are lost to consumers.
func (t *Transport) CloseReceiver(r *Receiver) {
	if r.pending != 0 {
		t.log.Warn("transport: dropping undelivered chunks of closed receiver", "consumer", r.consumer)
		t.release(r.pending)
		r.pending = 0
	}
}

func (t *Transport) detach(consumer int) (off uint64) {
	q := &t.queues[consumer]

	q.lock.Lock()
	defer q.lock.Unlock()

	off = q.first
	q.first, q.last, q.count, q.items = 0, 0, 0, 0

	return
}
