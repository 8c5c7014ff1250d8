package arena

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edsrzf/mmap-go"
)

func newTestArena(t testing.TB, size int) *Arena {
	t.Helper()

	a, err := New(size)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() {
		a.Close()
	})

	return a
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()

	fn()
}

func TestNewTooSmall(t *testing.T) {
	if _, err := New(MinSize - 1); err == nil {
		t.Fatal("expected error for undersized arena")
	}
}

func TestAllocFreeAccounting(t *testing.T) {
	a := newTestArena(t, 1<<16)
	initial := a.Metrics()

	if initial.FreeBlocks != 1 || initial.FreeBytes != initial.HeapSize {
		t.Fatalf("fresh arena metrics: %+v", initial)
	}

	var offs []uint64

	for _, size := range []uint64{1, 16, 100, 1000, 4096} {
		off, err := a.Alloc(size)

		if err != nil {
			t.Fatalf("Alloc(%d): %v", size, err)
		}

		if off%blockAlign != 0 {
			t.Errorf("Alloc(%d) offset %d not aligned", size, off)
		}

		if got := a.UsableSize(off); got < size {
			t.Errorf("UsableSize = %d, want >= %d", got, size)
		}

		offs = append(offs, off)
	}

	if m := a.Metrics(); m.Allocations != 5 || m.FreeBytes >= initial.FreeBytes {
		t.Fatalf("after allocations: %+v", m)
	}

	// Free out of order to exercise coalescing on both sides.
	for _, i := range []int{1, 3, 0, 4, 2} {
		a.Free(offs[i])
	}

	m := a.Metrics()

	if m.FreeBytes != initial.FreeBytes {
		t.Errorf("FreeBytes = %d, want %d", m.FreeBytes, initial.FreeBytes)
	}

	if m.FreeBlocks != 1 || m.LargestFree != initial.LargestFree {
		t.Errorf("free list not coalesced: %+v", m)
	}

	if m.Allocations != 0 {
		t.Errorf("Allocations = %d, want 0", m.Allocations)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestArena(t, MinSize*2)

	var n int

	for {
		if _, err := a.Alloc(256); err != nil {
			if !errors.Is(err, ErrNoMemory) {
				t.Fatalf("unexpected error: %v", err)
			}

			break
		}

		n++
	}

	if n == 0 {
		t.Fatal("no allocation succeeded")
	}

	if _, err := a.Alloc(a.Size() + 1); !errors.Is(err, ErrNoMemory) {
		t.Errorf("oversized Alloc error = %v, want ErrNoMemory", err)
	}
}

func TestReallocPreservesContent(t *testing.T) {
	a := newTestArena(t, 1<<16)

	off, err := a.Alloc(32)

	if err != nil {
		t.Fatal(err)
	}

	copy(a.Bytes(off, 32), "0123456789abcdefghijklmnopqrstuv")

	// Pin the neighbour so growth has to move the block.
	pin, err := a.Alloc(8)

	if err != nil {
		t.Fatal(err)
	}

	moved, err := a.Realloc(off, 4096)

	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}

	if moved == off {
		t.Fatal("expected block to move")
	}

	if got := string(a.Bytes(moved, 32)); got != "0123456789abcdefghijklmnopqrstuv" {
		t.Errorf("content after move = %q", got)
	}

	if same, _ := a.Realloc(moved, 10); same != moved {
		t.Error("shrinking Realloc moved the block")
	}

	a.Free(pin)
	a.Free(moved)

	if m := a.Metrics(); m.Allocations != 0 || m.FreeBlocks != 1 {
		t.Errorf("metrics after free: %+v", m)
	}
}

func TestReallocZeroAllocates(t *testing.T) {
	a := newTestArena(t, MinSize*4)

	off, err := a.Realloc(0, 64)

	if err != nil || off == 0 {
		t.Fatalf("Realloc(0, 64) = %d, %v", off, err)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := newTestArena(t, MinSize*4)

	off, err := a.Alloc(64)

	if err != nil {
		t.Fatal(err)
	}

	a.Free(off)

	expectPanic(t, func() {
		a.Free(off)
	})
}

func TestFreeForeignOffsetPanics(t *testing.T) {
	a := newTestArena(t, MinSize*4)

	expectPanic(t, func() {
		a.Free(8)
	})

	expectPanic(t, func() {
		a.Free(a.Size() + 16)
	})
}

func TestRoots(t *testing.T) {
	a := newTestArena(t, MinSize*4)

	if err := a.SetRoot("", 64); !errors.Is(err, ErrInvalidName) {
		t.Errorf("empty name error = %v", err)
	}

	if err := a.SetRoot("this-name-is-far-too-long-for-a-root", 64); !errors.Is(err, ErrInvalidName) {
		t.Errorf("long name error = %v", err)
	}

	if err := a.SetRoot("pool", 1024); err != nil {
		t.Fatal(err)
	}

	if err := a.SetRoot("pool", 2048); !errors.Is(err, ErrRootExists) {
		t.Errorf("duplicate root error = %v", err)
	}

	if off, ok := a.Root("pool"); !ok || off != 1024 {
		t.Errorf("Root(pool) = %d, %v", off, ok)
	}

	if _, ok := a.Root("missing"); ok {
		t.Error("Root(missing) found")
	}

	for i := 1; i < MaxRoots; i++ {
		if err := a.SetRoot(string(rune('a'+i)), uint64(i*16)); err != nil {
			t.Fatalf("SetRoot #%d: %v", i, err)
		}
	}

	if err := a.SetRoot("overflow", 4096); !errors.Is(err, ErrRootsFull) {
		t.Errorf("full table error = %v", err)
	}

	if len(a.Roots()) != MaxRoots {
		t.Errorf("Roots() has %d entries, want %d", len(a.Roots()), MaxRoots)
	}

	if err := a.DeleteRoot("pool"); err != nil {
		t.Fatal(err)
	}

	if err := a.DeleteRoot("pool"); !errors.Is(err, ErrRootNotFound) {
		t.Errorf("second delete error = %v", err)
	}
}

func TestOpenSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.shm")

	if _, err := Open(path, 0); err == nil {
		t.Fatal("expected error when creating without a size")
	}

	first, err := Open(path, 1<<16)

	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}

	defer first.Close()

	off, err := first.Alloc(16)

	if err != nil {
		t.Fatal(err)
	}

	copy(first.Bytes(off, 16), "shared-payload!!")

	if err = first.SetRoot("payload", off); err != nil {
		t.Fatal(err)
	}

	// A second mapping of the same file lands at a different address but
	// resolves the same offsets.
	second, err := Open(path, 0)

	if err != nil {
		t.Fatalf("Open (attach): %v", err)
	}

	defer second.Close()

	got, ok := second.Root("payload")

	if !ok || got != off {
		t.Fatalf("Root(payload) = %d, %v", got, ok)
	}

	if !bytes.Equal(second.Bytes(got, 16), []byte("shared-payload!!")) {
		t.Errorf("second mapping sees %q", second.Bytes(got, 16))
	}

	if second.FreeBytes() != first.FreeBytes() {
		t.Errorf("free bytes differ: %d vs %d", second.FreeBytes(), first.FreeBytes())
	}

	second.Free(got)

	if first.Metrics().Allocations != 0 {
		t.Error("free through second mapping not visible in first")
	}
}

func TestOpenValidatesHeader(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.shm")

	if err := os.WriteFile(garbage, make([]byte, MinSize), 0600); err != nil {
		t.Fatal(err)
	}

	setFormatTimeout(t, 20*time.Millisecond)

	if _, err := Open(garbage, 0); !errors.Is(err, ErrUnformatted) {
		t.Errorf("Open of zeroed file error = %v, want ErrUnformatted", err)
	}

	junk := filepath.Join(dir, "junk.shm")

	if err := os.WriteFile(junk, bytes.Repeat([]byte{0xAB}, MinSize), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(junk, 0); err == nil || errors.Is(err, ErrUnformatted) {
		t.Errorf("Open of junk file error = %v, want invalid magic", err)
	}

	path := filepath.Join(dir, "segment.shm")
	a, err := Open(path, MinSize*2)

	if err != nil {
		t.Fatal(err)
	}

	a.Close()

	if _, err = Open(path, MinSize*4); err == nil {
		t.Error("expected size mismatch error")
	}
}

func setFormatTimeout(t *testing.T, d time.Duration) {
	prev := formatTimeout
	formatTimeout = d

	t.Cleanup(func() {
		formatTimeout = prev
	})
}

// A process attaching while the creator is still formatting waits for it.
func TestOpenWaitsForFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.shm")

	if err := os.WriteFile(path, make([]byte, MinSize*2), 0600); err != nil {
		t.Fatal(err)
	}

	creator := newArena(nil)
	f, err := os.OpenFile(path, os.O_RDWR, 0)

	if err != nil {
		t.Fatal(err)
	}

	creator.file = f

	if creator.data, err = mmap.Map(f, mmap.RDWR, 0); err != nil {
		f.Close()
		t.Fatal(err)
	}

	defer creator.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		creator.format()
	}()

	a, err := Open(path, 0)
	<-done

	if err != nil {
		t.Fatalf("Open during format: %v", err)
	}

	defer a.Close()

	if a.Size() != MinSize*2 || a.FreeBytes() != creator.FreeBytes() {
		t.Errorf("attached Size = %d, FreeBytes = %d", a.Size(), a.FreeBytes())
	}
}

func BenchmarkAllocFree(b *testing.B) {
	a := newTestArena(b, 1<<20)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		off, err := a.Alloc(128)

		if err != nil {
			b.Fatal(err)
		}

		a.Free(off)
	}
}
