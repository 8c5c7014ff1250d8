package pool

import (
	"sync/atomic"
	"time"
)

// ClassStats describes one size class that has ever been used.
type ClassStats struct {
	Class     int
	Size      uint64 // bytes per buffer, header included
	Allocated uint64 // buffers obtained from the arena and not trimmed
	Free      uint64 // buffers waiting on the free list
}

// Stats returns the classes with at least one buffer allocated.
func (p *Pool) Stats() (stats []ClassStats) {
	for c := range p.classes {
		cl := &p.classes[c]

		if atomic.LoadUint64(&cl.allocated) == 0 {
			continue
		}

		cl.lock.Lock()
		s := ClassStats{
			Class:     c,
			Size:      ClassSize(c),
			Allocated: atomic.LoadUint64(&cl.allocated),
			Free:      cl.free,
		}
		cl.lock.Unlock()

		stats = append(stats, s)
	}

	return
}

// Trim hands pooled buffers that have been idle for at least idle back to
// the arena and reports how many were released.
func (p *Pool) Trim(idle time.Duration) (released int) {
	cutoff := time.Now().Add(-idle).UnixNano()

	for c := range p.classes {
		cl := &p.classes[c]

		if atomic.LoadUint64(&cl.allocated) == 0 {
			continue
		}

		cl.lock.Lock()

		link := &cl.head

		for off := *link; off != 0; off = *link {
			h := p.header(off)
			p.check(off, h, pooledMagic)

			if h.LastUsed > cutoff {
				link = &h.Next
				continue
			}

			*link = h.Next
			cl.free--
			atomic.AddUint64(&cl.allocated, ^uint64(0))
			p.addPooled(-int64(ClassSize(c)))
			h.magic = 0
			p.arena.Free(off)
			released++
		}

		cl.lock.Unlock()
	}

	if released > 0 {
		p.log.Debug("pool: trimmed idle buffers", "released", released, "idle", idle)
	}

	return
}
