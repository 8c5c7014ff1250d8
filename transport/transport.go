// Package transport moves chunks of bytes between processes through queues in
// a shared arena. A transport is one logical channel with a fixed number of
// consumer queues; producers pick a queue, usually by hashing a routing key,
// and consumers drain their own queue through a Receiver.
//
// Ordering is FIFO per producer and consumer queue only. Sends may stall under
// memory pressure but never drop data; receives never block.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/webbmaffian/go-shmq/arena"
	"github.com/webbmaffian/go-shmq/internal/shmlock"
	"github.com/webbmaffian/go-shmq/internal/utils"
	"github.com/webbmaffian/go-shmq/pool"
)

const (
	// MaxName is the longest channel name accepted.
	MaxName = arena.MaxRootName - len(rootPrefix)

	rootPrefix = "q:"
	magic      = uint64(0x5348_4d51_5452_4e53) // "SHMQTRNS"

	// DefaultLogInterval spaces out warnings from stalled senders.
	DefaultLogInterval = 10 * time.Second
)

// header starts the transport block; queues follow it.
type header struct {
	magic     uint64
	consumers uint64
	watermark uint64
	name      [32]byte
	_         uint64
}

// queue is one consumer's FIFO of chunks, padded to a cache line. first, last
// and the counters only change under lock.
type queue struct {
	lock       shmlock.Mutex
	_          uint32
	first      uint64 // chunk offset, 0 = empty
	last       uint64
	count      uint64 // chunks queued
	items      uint64 // items in queued chunks
	chunksSent uint64
	itemsSent  uint64
	_          uint64
}

type Option func(*Transport)

// WithLowMemWatermark sets the arena free-byte level below which normal
// priority sends stall. It defaults to a third of the arena. Every transport
// on an arena compares against the same free-byte count.
func WithLowMemWatermark(bytes uint64) Option {
	return func(t *Transport) {
		t.watermark = bytes
		t.watermarkSet = true
	}
}

// WithBackoff sets the policy used while a send waits for memory.
func WithBackoff(b Backoff) Option {
	return func(t *Transport) {
		t.backoff = b
	}
}

// WithLogInterval sets how often a stalled send logs that it is still waiting.
func WithLogInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.logEvery = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// WithMeter registers queue and arena instruments with m.
func WithMeter(m metric.Meter) Option {
	return func(t *Transport) {
		t.meter = m
	}
}

// Transport is a process-local handle to a channel in a shared arena.
type Transport struct {
	name         string
	pool         *pool.Pool
	arena        *arena.Arena
	off          uint64
	head         *header
	queues       []queue
	watermark    uint64
	watermarkSet bool
	backoff      Backoff
	logEvery     time.Duration
	log          *slog.Logger
	meter        metric.Meter
	reg          metric.Registration
}

func newTransport(p *pool.Pool, name string, opts []Option) (*Transport, error) {
	if name == "" || len(name) > MaxName {
		return nil, fmt.Errorf("transport: invalid channel name %q", name)
	}

	t := &Transport{
		name:     name,
		pool:     p,
		arena:    p.Arena(),
		backoff:  DefaultBackoff,
		logEvery: DefaultLogInterval,
		log:      p.Arena().Logger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.log = t.log.With("channel", name)

	return t, nil
}

// New creates a channel with the given number of consumer queues in the
// pool's arena and registers it under name, so other processes can Open it.
func New(p *pool.Pool, name string, consumers int, opts ...Option) (t *Transport, err error) {
	if consumers < 1 {
		return nil, errors.New("transport: at least one consumer is required")
	}

	if t, err = newTransport(p, name, opts); err != nil {
		return
	}

	if !t.watermarkSet {
		t.watermark = t.arena.Size() / 3
	}

	size := blockSize(consumers)

	if t.off, err = t.arena.Alloc(size); err != nil {
		return nil, fmt.Errorf("transport: allocate %q: %w", name, err)
	}

	clear(t.arena.Bytes(t.off, size))
	t.view(consumers)

	t.head.consumers = uint64(consumers)
	t.head.watermark = t.watermark
	copy(t.head.name[:], name)

	if err = t.arena.SetRoot(rootPrefix+name, t.off); err != nil {
		t.arena.Free(t.off)
		return nil, fmt.Errorf("transport: register %q: %w", name, err)
	}

	// Published last: Open refuses blocks without it.
	t.head.magic = magic

	if err = t.registerMetrics(); err != nil {
		t.Destroy()
		return nil, err
	}

	return
}

// Open attaches to a channel created with New, possibly by another process.
// The creator's watermark applies unless WithLowMemWatermark overrides it.
func Open(p *pool.Pool, name string, opts ...Option) (t *Transport, err error) {
	if t, err = newTransport(p, name, opts); err != nil {
		return
	}

	off, ok := t.arena.Root(rootPrefix + name)

	if !ok {
		return nil, fmt.Errorf("transport: open %q: %w", name, arena.ErrRootNotFound)
	}

	head := utils.BytesToPointer[header](t.arena.Bytes(off, utils.SizeOf[header]()))

	if head.magic != magic || head.consumers == 0 {
		return nil, fmt.Errorf("transport: %q is not a valid channel", name)
	}

	t.off = off
	t.view(int(head.consumers))

	if !t.watermarkSet {
		t.watermark = t.head.watermark
	}

	if err = t.registerMetrics(); err != nil {
		return nil, err
	}

	return
}

func blockSize(consumers int) uint64 {
	return utils.SizeOf[header]() + uint64(consumers)*utils.SizeOf[queue]()
}

func (t *Transport) view(consumers int) {
	b := t.arena.Bytes(t.off, blockSize(consumers))
	hs := utils.SizeOf[header]()

	t.head = utils.BytesToPointer[header](b)
	t.queues = utils.BytesToSlice[queue](b[hs:], consumers)
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Consumers() int {
	return len(t.queues)
}

func (t *Transport) Watermark() uint64 {
	return t.watermark
}

func (t *Transport) Pool() *pool.Pool {
	return t.pool
}

// Close releases this process's handle. The channel itself stays in the
// arena for other processes.
func (t *Transport) Close() (err error) {
	if t.reg != nil {
		err = t.reg.Unregister()
		t.reg = nil
	}

	return
}

// Destroy returns every queued chunk to the pool and frees the channel. No
// process may use the channel afterwards.
func (t *Transport) Destroy() {
	t.Close()

	for i := range t.queues {
		q := &t.queues[i]

		q.lock.Lock()
		off := q.first
		q.first, q.last, q.count, q.items = 0, 0, 0, 0
		q.lock.Unlock()

		t.release(off)
	}

	t.head.magic = 0
	t.arena.DeleteRoot(rootPrefix + t.name)
	t.arena.Free(t.off)
	t.queues = nil
}

// release returns a detached chain of chunks to the pool.
func (t *Transport) release(off uint64) {
	for off != 0 {
		next := t.pool.Header(off).Next
		t.pool.Put(off)
		off = next
	}
}

func (t *Transport) checkConsumer(consumer int) {
	if consumer < 0 || consumer >= len(t.queues) {
		t.fatal("transport: consumer index out of range", "consumer", consumer, "consumers", len(t.queues))
	}
}

func (t *Transport) fatal(msg string, args ...any) {
	t.log.Error(msg, args...)
	panic(msg)
}
