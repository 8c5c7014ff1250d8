package arena

import (
	"github.com/webbmaffian/go-shmq/internal/utils"
)

const (
	tagUsed uint64 = 0x55534544_41524e41 // "USEDARNA"
	tagFree uint64 = 0x46524545_41524e41 // "FREEARNA"

	blockHeaderSize = 16

	// A free block must hold its header plus the next link.
	minBlockSize = 32
)

type blockHeader struct {
	size uint64 // whole block, header included
	tag  uint64
}

type freeBlock struct {
	size uint64
	tag  uint64
	next uint64 // next free block by offset, 0 = end
}

func blockSizeFor(size uint64) uint64 {
	return max(utils.Align(size+blockHeaderSize, blockAlign), minBlockSize)
}

func (a *Arena) freeBlock(off uint64) *freeBlock {
	return utils.BytesToPointer[freeBlock](a.data[off:])
}

// usedBlock resolves the header of an allocation returned by Alloc. Anything
// else is an offset into memory we did not hand out.
func (a *Arena) usedBlock(off uint64) *blockHeader {
	if off < a.head.heapOff+blockHeaderSize || off >= a.head.size || off%blockAlign != 0 {
		a.fatal("arena: offset outside heap", "offset", off)
	}

	b := utils.BytesToPointer[blockHeader](a.data[off-blockHeaderSize:])

	if b.tag != tagUsed || b.size < minBlockSize || off-blockHeaderSize+b.size > a.head.size {
		a.fatal("arena: block header corrupted or already freed", "offset", off, "tag", b.tag)
	}

	return b
}

// Alloc returns the offset of at least size usable bytes, or ErrNoMemory.
// The memory is not zeroed.
func (a *Arena) Alloc(size uint64) (off uint64, err error) {
	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	return a.alloc(size)
}

// Free returns an allocation to the arena. Freeing an offset that is not a
// live allocation is an integrity fault and panics.
func (a *Arena) Free(off uint64) {
	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	a.free(off)
}

// Realloc resizes an allocation, moving it if needed. The first
// min(old, size) bytes are preserved. On ErrNoMemory the original allocation
// is left untouched. A zero off behaves like Alloc.
func (a *Arena) Realloc(off, size uint64) (uint64, error) {
	if off == 0 {
		return a.Alloc(size)
	}

	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	have := a.usedBlock(off).size - blockHeaderSize

	if have >= size {
		return off, nil
	}

	moved, err := a.alloc(size)

	if err != nil {
		return 0, err
	}

	copy(a.data[moved:moved+have], a.data[off:off+have])
	a.free(off)

	return moved, nil
}

// UsableSize returns how many bytes the allocation at off can hold.
func (a *Arena) UsableSize(off uint64) uint64 {
	return a.usedBlock(off).size - blockHeaderSize
}

func (a *Arena) alloc(size uint64) (uint64, error) {
	if size > a.head.size {
		return 0, ErrNoMemory
	}

	need := blockSizeFor(size)

	var prev uint64

	for cur := a.head.freeHead; cur != 0; {
		fb := a.freeBlock(cur)

		if fb.tag != tagFree {
			a.fatal("arena: free list corrupted", "offset", cur, "tag", fb.tag)
		}

		if fb.size < need {
			prev, cur = cur, fb.next
			continue
		}

		next, taken := fb.next, fb.size

		// Split when the tail can stand as a block of its own.
		if fb.size-need >= minBlockSize {
			rest := cur + need
			rb := a.freeBlock(rest)
			rb.size, rb.tag, rb.next = fb.size-need, tagFree, next
			next, taken = rest, need
		}

		a.link(prev, next)

		b := utils.BytesToPointer[blockHeader](a.data[cur:])
		b.size, b.tag = taken, tagUsed

		a.head.addFree(-int64(taken))
		a.head.allocs++

		return cur + blockHeaderSize, nil
	}

	return 0, ErrNoMemory
}

func (a *Arena) free(off uint64) {
	size := a.usedBlock(off).size
	cur := off - blockHeaderSize

	var prev uint64
	next := a.head.freeHead

	for next != 0 && next < cur {
		prev, next = next, a.freeBlock(next).next
	}

	fb := a.freeBlock(cur)
	fb.size, fb.tag, fb.next = size, tagFree, next

	a.head.addFree(int64(size))
	a.head.allocs--

	if next != 0 && cur+fb.size == next {
		nb := a.freeBlock(next)
		fb.size += nb.size
		fb.next = nb.next
		nb.tag = 0
	}

	if prev == 0 {
		a.head.freeHead = cur
		return
	}

	pb := a.freeBlock(prev)

	if prev+pb.size == cur {
		pb.size += fb.size
		pb.next = fb.next
		fb.tag = 0
		return
	}

	pb.next = cur
}

func (a *Arena) link(prev, next uint64) {
	if prev == 0 {
		a.head.freeHead = next
	} else {
		a.freeBlock(prev).next = next
	}
}
