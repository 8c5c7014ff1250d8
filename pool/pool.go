// Package pool layers size-classed free lists over an arena so that buffers of
// equal size are recycled instead of round-tripping the arena allocator on
// every send and receive.
//
// Both the class table and the free lists live in the arena, so a buffer
// released by one process is reused by another. Each class has its own lock;
// buffers of different classes never contend.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/webbmaffian/go-shmq/arena"
	"github.com/webbmaffian/go-shmq/internal/shmlock"
	"github.com/webbmaffian/go-shmq/internal/utils"
)

const (
	// RootName is the arena root under which the class table is registered.
	RootName = "shmq.pool"

	// Magic is stamped into every buffer handed out by the pool.
	Magic = uint32(0x5348_4250) // "SHBP"

	// pooledMagic replaces Magic while a buffer sits on a free list.
	pooledMagic = uint32(0x5348_4246) // "SHBF"

	tableMagic = uint64(0x5348_4d51_504f_4f4c) // "SHMQPOOL"
)

type poolError string

var _ error = poolError("")

func (err poolError) Error() string {
	return string(err)
}

const (
	ErrClassOverflow = poolError("pool: size exceeds largest size class")
	ErrInvalidTable  = poolError("pool: class table corrupted or incompatible")
)

// Header prefixes every pooled buffer. While the buffer is pooled, Next links
// the free list; while it is in flight, its owner may use Next for its own
// list.
type Header struct {
	Next     uint64 // arena offset, 0 = none
	Size     uint64 // payload bytes requested
	Items    uint64 // records carried, owner-defined
	LastUsed int64  // unix nanoseconds of the last release
	magic    uint32
	class    uint32
}

type class struct {
	lock      shmlock.Mutex
	_         uint32
	head      uint64
	allocated uint64 // buffers of this class obtained from the arena
	free      uint64 // buffers currently on the free list
}

type table struct {
	magic   uint64
	classes uint64
	pooled  uint64 // bytes on all free lists, headers included
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// Pool is a process-local handle to the class table of one arena.
type Pool struct {
	arena   *arena.Arena
	off     uint64
	table   *table
	classes []class
	log     *slog.Logger
}

// New attaches to the arena's pool, creating it on first use.
func New(a *arena.Arena, opts ...Option) (p *Pool, err error) {
	p = &Pool{
		arena: a,
		log:   a.Logger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if off, ok := a.Root(RootName); ok {
		return p, p.attach(off)
	}

	size := utils.SizeOf[table]() + MaxClasses*utils.SizeOf[class]()

	if p.off, err = a.Alloc(size); err != nil {
		return nil, fmt.Errorf("pool: allocate class table: %w", err)
	}

	clear(a.Bytes(p.off, size))

	t := utils.BytesToPointer[table](a.Bytes(p.off, size))
	t.magic, t.classes = tableMagic, MaxClasses

	if err = a.SetRoot(RootName, p.off); err != nil {
		a.Free(p.off)

		// Lost a creation race with another process.
		if errors.Is(err, arena.ErrRootExists) {
			if off, ok := a.Root(RootName); ok {
				return p, p.attach(off)
			}
		}

		return nil, err
	}

	p.view()
	return
}

func (p *Pool) attach(off uint64) error {
	t := utils.BytesToPointer[table](p.arena.Bytes(off, utils.SizeOf[table]()))

	if t.magic != tableMagic || t.classes != MaxClasses {
		return ErrInvalidTable
	}

	p.off = off
	p.view()
	return nil
}

func (p *Pool) view() {
	ts := utils.SizeOf[table]()
	b := p.arena.Bytes(p.off, ts+MaxClasses*utils.SizeOf[class]())
	p.table = utils.BytesToPointer[table](b)
	p.classes = utils.BytesToSlice[class](b[ts:], MaxClasses)
}

// Arena returns the arena buffers are carved from.
func (p *Pool) Arena() *arena.Arena {
	return p.arena
}

// Get returns the offset of a buffer able to hold size payload bytes, with
// Size set and Next and Items cleared. A size beyond the largest class is a
// programming error and panics. ErrNoMemory from the arena is returned as is,
// leaving the retry policy to the caller.
func (p *Pool) Get(size uint64) (off uint64, err error) {
	c, err := ClassOf(size)

	if err != nil {
		p.fatal("pool: request exceeds provisioned size classes", "size", size, "max", uint64(MaxPayload))
	}

	cl := &p.classes[c]

	cl.lock.Lock()

	if off = cl.head; off != 0 {
		h := p.header(off)
		p.check(off, h, pooledMagic)
		h.magic = Magic
		cl.head = h.Next
		cl.free--
		p.addPooled(-int64(ClassSize(c)))
	}

	cl.lock.Unlock()

	if off == 0 {
		if off, err = p.arena.Alloc(ClassSize(c)); err != nil {
			return 0, err
		}

		h := p.header(off)
		h.magic, h.class = Magic, uint32(c)
		atomic.AddUint64(&cl.allocated, 1)
	}

	h := p.header(off)
	h.Next, h.Size, h.Items = 0, size, 0

	return
}

// Put returns a buffer to the free list of its original class. Releasing a
// buffer that is already pooled panics.
func (p *Pool) Put(off uint64) {
	h := p.header(off)
	cl := p.freeList(off, h)

	cl.lock.Lock()

	// Checked under the lock so that two racing releases cannot both pass.
	if h.magic == pooledMagic {
		cl.lock.Unlock()
		p.fatal("pool: buffer released twice", "offset", off, "class", h.class)
	}

	h.magic = pooledMagic
	h.LastUsed = time.Now().UnixNano()
	h.Next = cl.head
	cl.head = off
	cl.free++
	p.addPooled(int64(ClassSize(int(h.class))))
	cl.lock.Unlock()
}

// PooledBytes returns the bytes parked on free lists. They are not free in
// the arena but can be handed out again without touching it.
func (p *Pool) PooledBytes() uint64 {
	return atomic.LoadUint64(&p.table.pooled)
}

func (p *Pool) addPooled(delta int64) {
	atomic.AddUint64(&p.table.pooled, uint64(delta))
}

// Header returns the header of a buffer obtained from Get.
func (p *Pool) Header(off uint64) *Header {
	h := p.header(off)
	p.check(off, h, Magic)
	return h
}

// Payload returns the Size payload bytes of a buffer.
func (p *Pool) Payload(off uint64) []byte {
	return p.arena.Bytes(off+HeaderSize, p.Header(off).Size)
}

// Capacity returns how many payload bytes the buffer can hold.
func (p *Pool) Capacity(off uint64) uint64 {
	return ClassCapacity(int(p.Header(off).class))
}

func (p *Pool) header(off uint64) *Header {
	return utils.BytesToPointer[Header](p.arena.Bytes(off, HeaderSize))
}

// check aborts on a buffer whose sentinel is not the one expected for its
// state, or whose class is not ours: something wrote over shared memory, and
// carrying on would spread the damage.
func (p *Pool) check(off uint64, h *Header, want uint32) {
	if h.magic != want || h.class >= MaxClasses {
		p.fatal("pool: buffer sentinel mismatch", "offset", off, "magic", h.magic, "want", want, "class", h.class)
	}
}

// freeList resolves the free list a buffer belongs to, after a lock-free sanity
// check of its header.
func (p *Pool) freeList(off uint64, h *Header) *class {
	if (h.magic != Magic && h.magic != pooledMagic) || h.class >= MaxClasses {
		p.fatal("pool: buffer sentinel mismatch", "offset", off, "magic", h.magic, "class", h.class)
	}

	return &p.classes[h.class]
}

func (p *Pool) fatal(msg string, args ...any) {
	p.log.Error(msg, args...)
	panic(msg)
}
