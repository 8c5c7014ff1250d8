package arena

import (
	"bytes"
	"sync/atomic"

	"github.com/webbmaffian/go-shmq/internal/shmlock"
	"github.com/webbmaffian/go-shmq/internal/utils"
)

const (
	// Magic identifies an arena segment. Bump Version on any layout change.
	Magic   = "SHMQARN\x00"
	Version = uint32(1)

	// MaxRoots is the number of named root slots in the header.
	MaxRoots = 16

	// MaxRootName is the longest root name accepted, in bytes.
	MaxRootName = 23

	// Every block is aligned to, and sized in multiples of, blockAlign.
	blockAlign = 16
)

type root struct {
	key [MaxRootName + 1]byte // NUL-terminated
	off uint64
}

// header sits at offset 0 of the segment.
type header struct {
	magic    [8]byte       // 0x00
	version  uint32        // 0x08
	lock     shmlock.Mutex // 0x0C: guards everything below except free (read atomically)
	size     uint64        // 0x10: total segment size
	heapOff  uint64        // 0x18: offset of the first block
	free     uint64        // 0x20: bytes in free blocks, headers included
	freeHead uint64        // 0x28: first free block, sorted by offset, 0 = none
	allocs   uint64        // 0x30: live allocations
	roots    [MaxRoots]root
}

func headerSize() uint64 {
	return utils.Align(utils.SizeOf[header](), 64)
}

func (h *header) freeBytes() uint64 {
	return atomic.LoadUint64(&h.free)
}

func (h *header) addFree(delta int64) {
	atomic.StoreUint64(&h.free, uint64(int64(atomic.LoadUint64(&h.free))+delta))
}

func (h *header) findRoot(name string) *root {
	for i := range h.roots {
		r := &h.roots[i]

		if r.off != 0 && r.name() == name {
			return r
		}
	}

	return nil
}

func (r *root) name() string {
	n := bytes.IndexByte(r.key[:], 0)

	if n < 0 {
		n = len(r.key)
	}

	return string(r.key[:n])
}
