// Package serial packs many variable-length records into one contiguous,
// relocatable region. Records are linked by byte offset from the start of the
// region, never by pointer, so the region stays valid when the arena moves it
// on growth, when it is copied into a chunk, or when another process maps it
// at a different address.
//
// Layout, all integers native-endian uint64:
//
//	header  [first item offset][item count]
//	item    [next item offset, 0 = end][length][bytes, padded to 8]
//	data    [length][bytes, padded to 8]
//
// A fixed record that refers to variable data must store the offset returned
// by AddData, added before the record itself: any later AddItem or AddData
// may relocate the region and invalidate slices into it.
package serial

import (
	"encoding/binary"

	"github.com/webbmaffian/go-shmq/arena"
	"github.com/webbmaffian/go-shmq/internal/utils"
)

const (
	HeaderSize = 16

	// MinGrowth is the least a buffer grows by when it runs out of room.
	MinGrowth = 256

	nodeSize = 16
	lenSize  = 8
)

var order = binary.NativeEndian

// Buffer is an append-only record region in an arena. It is not safe for
// concurrent use.
type Buffer struct {
	arena    *arena.Arena
	off      uint64
	used     uint64
	capacity uint64
	initial  uint64
	last     uint64 // tail item node, 0 = no items
}

// New allocates a buffer with room for capacity bytes, header included.
func New(a *arena.Arena, capacity int) (b *Buffer, err error) {
	b = &Buffer{
		arena:   a,
		initial: max(uint64(capacity), HeaderSize),
	}

	if err = b.allocate(); err != nil {
		return nil, err
	}

	return
}

func (b *Buffer) allocate() (err error) {
	if b.off, err = b.arena.Alloc(b.initial); err != nil {
		return
	}

	b.capacity = b.initial
	b.Clean()
	return
}

// AddItem appends a record and returns its bytes inside the buffer. The slice
// is only valid until the next mutating call.
func (b *Buffer) AddItem(item []byte) ([]byte, error) {
	n := uint64(len(item))
	pos, err := b.reserve(nodeSize + utils.Align(n, 8))

	if err != nil {
		return nil, err
	}

	data := b.Bytes()
	order.PutUint64(data[pos:], 0)
	order.PutUint64(data[pos+8:], n)
	copy(data[pos+nodeSize:], item)

	if b.last == 0 {
		order.PutUint64(data[0:], pos)
	} else {
		order.PutUint64(data[b.last:], pos)
	}

	b.last = pos
	order.PutUint64(data[8:], order.Uint64(data[8:])+1)

	return data[pos+nodeSize : pos+nodeSize+n], nil
}

// AddData appends bytes outside the item list and returns their offset, which
// stays valid across relocation. Resolve turns it back into bytes.
func (b *Buffer) AddData(p []byte) (uint64, error) {
	n := uint64(len(p))
	pos, err := b.reserve(lenSize + utils.Align(n, 8))

	if err != nil {
		return 0, err
	}

	data := b.Bytes()
	order.PutUint64(data[pos:], n)
	copy(data[pos+lenSize:], p)

	return pos, nil
}

// reserve makes room for n more bytes and returns where they start.
func (b *Buffer) reserve(n uint64) (pos uint64, err error) {
	if b.used+n > b.capacity {
		capacity := b.capacity + max(b.capacity/5, n, MinGrowth)

		var off uint64

		if off, err = b.arena.Realloc(b.off, capacity); err != nil {
			return
		}

		b.off, b.capacity = off, capacity
	}

	pos = b.used
	b.used += n
	return
}

// Resolve returns the bytes added with AddData at off, in any copy of a
// buffer's region.
func Resolve(base []byte, off uint64) []byte {
	n := order.Uint64(base[off:])
	return base[off+lenSize : off+lenSize+n : off+lenSize+n]
}

// Process calls cb for each item in a buffer's region, in insertion order.
// base is the whole region, for resolving data offsets.
func Process(base []byte, cb func(base []byte, item []byte, index int)) {
	if len(base) < HeaderSize {
		return
	}

	pos := order.Uint64(base[0:])

	for i := 0; pos != 0; i++ {
		n := order.Uint64(base[pos+8:])
		cb(base, base[pos+nodeSize:pos+nodeSize+n:pos+nodeSize+n], i)
		pos = order.Uint64(base[pos:])
	}
}

// Process calls cb for each item in the buffer.
func (b *Buffer) Process(cb func(base []byte, item []byte, index int)) {
	Process(b.Bytes(), cb)
}

// Count returns the number of items in a buffer's region.
func Count(base []byte) int {
	if len(base) < HeaderSize {
		return 0
	}

	return int(order.Uint64(base[8:]))
}

// Bytes returns the used part of the region, header included. It is valid
// until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.arena.Bytes(b.off, b.used)
}

func (b *Buffer) Count() int {
	return Count(b.Bytes())
}

func (b *Buffer) Len() int {
	return int(b.used)
}

func (b *Buffer) Cap() int {
	return int(b.capacity)
}

// Clean empties the buffer but keeps its allocation.
func (b *Buffer) Clean() {
	b.used = HeaderSize
	b.last = 0
	clear(b.Bytes())
}

// Reset empties the buffer and shrinks it back to its initial capacity.
func (b *Buffer) Reset() error {
	b.Destroy()
	return b.allocate()
}

// Destroy returns the buffer's memory to the arena. The buffer must not be
// used afterwards, except for Reset.
func (b *Buffer) Destroy() {
	if b.off != 0 {
		b.arena.Free(b.off)
		b.off, b.used, b.capacity, b.last = 0, 0, 0, 0
	}
}
