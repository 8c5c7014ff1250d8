package arena

// Metrics is a snapshot of allocator statistics.
type Metrics struct {
	Size        uint64  // Whole segment
	HeapSize    uint64  // Bytes available to blocks
	FreeBytes   uint64  // Bytes in free blocks, headers included
	SizeInUse   uint64  // HeapSize - FreeBytes
	Allocations uint64  // Live allocations
	FreeBlocks  int     // Length of the free list
	LargestFree uint64  // Largest free block, headers included
	Utilization float64 // SizeInUse / HeapSize
}

// Metrics walks the free list under the allocator lock.
func (a *Arena) Metrics() (m Metrics) {
	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	m.Size = a.head.size
	m.HeapSize = (a.head.size - a.head.heapOff) &^ (blockAlign - 1)
	m.FreeBytes = a.head.freeBytes()
	m.SizeInUse = m.HeapSize - m.FreeBytes
	m.Allocations = a.head.allocs

	for cur := a.head.freeHead; cur != 0; {
		fb := a.freeBlock(cur)
		m.FreeBlocks++
		m.LargestFree = max(m.LargestFree, fb.size)
		cur = fb.next
	}

	if m.HeapSize > 0 {
		m.Utilization = float64(m.SizeInUse) / float64(m.HeapSize)
	}

	return
}
