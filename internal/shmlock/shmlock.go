// Package shmlock implements a mutual exclusion lock that lives inside a
// shared memory mapping, so that every process mapping the region contends on
// the same word. A zero value is an unlocked Mutex.
package shmlock

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1

	// Spins before yielding the processor, and yields before sleeping.
	spinLimit  = 64
	yieldLimit = 256
	sleepSlice = 50 * time.Microsecond
)

// Mutex is a 4-byte spin lock. It must only be used through a pointer into
// the shared mapping and never copied.
type Mutex struct {
	state uint32
}

// TryLock acquires the lock if it is free.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, unlocked, locked)
}

// Lock acquires the lock, spinning, then yielding, then sleeping briefly.
func (m *Mutex) Lock() {
	for i := 0; !m.TryLock(); i++ {
		switch {
		case i < spinLimit:
		case i < yieldLimit:
			runtime.Gosched()
		default:
			time.Sleep(sleepSlice)
		}
	}
}

// Unlock releases the lock. Unlocking a free lock means two holders believed
// they owned it, which is unrecoverable.
func (m *Mutex) Unlock() {
	if !atomic.CompareAndSwapUint32(&m.state, locked, unlocked) {
		panic("shmlock: unlock of unlocked mutex")
	}
}

// Locked reports whether the lock is currently held by anyone.
func (m *Mutex) Locked() bool {
	return atomic.LoadUint32(&m.state) == locked
}
