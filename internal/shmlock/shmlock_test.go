package shmlock

import (
	"sync"
	"testing"
)

func TestTryLock(t *testing.T) {
	var m Mutex

	if !m.TryLock() {
		t.Fatal("TryLock on free mutex failed")
	}

	if m.TryLock() {
		t.Fatal("TryLock on held mutex succeeded")
	}

	if !m.Locked() {
		t.Error("Locked() = false while held")
	}

	m.Unlock()

	if m.Locked() {
		t.Error("Locked() = true after Unlock")
	}
}

func TestUnlockFreePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()

	var m Mutex
	m.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	var (
		m       Mutex
		wg      sync.WaitGroup
		counter int
	)

	const workers, rounds = 8, 2000

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}

	wg.Wait()

	if counter != workers*rounds {
		t.Fatalf("counter = %d, want %d", counter, workers*rounds)
	}
}
