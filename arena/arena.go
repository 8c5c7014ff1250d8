// Package arena manages a shared memory segment and hands out blocks of it by
// byte offset. Offsets, not pointers, are the currency: every process mapping
// the same segment resolves an offset against its own base address, so data
// structures built from offsets stay valid wherever the segment is mapped.
//
// The segment is either anonymous (shared with goroutines of this process) or
// backed by a file, typically under /dev/shm, which other processes open to
// attach. All allocator state, including its lock, lives in the segment.
package arena

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/webbmaffian/go-shmq/internal/utils"
)

// MinSize is the smallest segment accepted.
const MinSize = 4096

// How long Open waits for another process to finish formatting a new file.
var (
	formatTimeout = time.Second
	formatPoll    = 5 * time.Millisecond
)

type Option func(*Arena)

// WithLogger sets the logger used for integrity faults.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arena) {
		a.log = l
	}
}

// Arena is one process's view of a shared segment. Methods are safe for
// concurrent use by goroutines and by other processes mapping the segment.
type Arena struct {
	data mmap.MMap
	file *os.File
	head *header
	log  *slog.Logger
}

func newArena(opts []Option) *Arena {
	a := &Arena{
		log: slog.Default(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// New creates an anonymous shared segment of size bytes.
func New(size int, opts ...Option) (a *Arena, err error) {
	if size < MinSize {
		return nil, fmt.Errorf("arena: size %d below minimum %d", size, MinSize)
	}

	a = newArena(opts)

	if a.data, err = mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0); err != nil {
		return nil, fmt.Errorf("arena: anonymous mapping: %w", err)
	}

	a.format()
	return
}

// Open attaches to the segment stored at filepath, creating it with the given
// size if it does not exist. When the file exists, size must be 0 or match.
func Open(filepath string, size int, opts ...Option) (a *Arena, err error) {
	a = newArena(opts)

	var created bool

	if _, err = os.Stat(filepath); err == nil {
		if a.file, err = os.OpenFile(filepath, os.O_RDWR, 0); err != nil {
			return
		}

		if err = a.awaitHead(size); err != nil {
			a.file.Close()
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if size < MinSize {
			return nil, errors.New("arena: size is mandatory when creating a segment")
		}

		if a.file, err = os.OpenFile(filepath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600); err != nil {
			return
		}

		if err = a.file.Truncate(int64(size)); err != nil {
			a.file.Close()
			os.Remove(filepath)
			return nil, err
		}

		created = true
	} else {
		return
	}

	if a.data, err = mmap.Map(a.file, mmap.RDWR, 0); err != nil {
		a.file.Close()
		return nil, fmt.Errorf("arena: map %s: %w", filepath, err)
	}

	if created {
		a.format()

		if err = a.Flush(); err != nil {
			return
		}
	} else {
		a.head = utils.BytesToPointer[header](a.data)
	}

	return
}

// awaitHead validates the header of an existing file. A file that is still
// being created by another process is polled until formatTimeout passes.
func (a *Arena) awaitHead(size int) (err error) {
	deadline := time.Now().Add(formatTimeout)

	for {
		var info os.FileInfo

		if info, err = a.file.Stat(); err != nil {
			return
		}

		err = a.validateHead(info.Size(), size)

		if !errors.Is(err, ErrUnformatted) || time.Now().After(deadline) {
			return
		}

		time.Sleep(formatPoll)
	}
}

func (a *Arena) validateHead(fileSize int64, size int) (err error) {
	hs := int64(utils.SizeOf[header]())

	if fileSize < hs {
		return ErrUnformatted
	}

	if size != 0 && int64(size) != fileSize {
		return fmt.Errorf("arena: size mismatch: file is %d bytes, want %d", fileSize, size)
	}

	if _, err = a.file.Seek(0, io.SeekStart); err != nil {
		return
	}

	b := make([]byte, hs)

	if _, err = io.ReadFull(a.file, b); err != nil {
		return
	}

	head := utils.BytesToPointer[header](b)

	if head.magic == [8]byte{} {
		return ErrUnformatted
	}

	if string(head.magic[:]) != Magic {
		return errors.New("arena: invalid magic")
	}

	if head.version != Version {
		return fmt.Errorf("arena: unsupported version %d", head.version)
	}

	if int64(head.size) != fileSize {
		return errors.New("arena: invalid file size")
	}

	if head.heapOff != headerSize() {
		return errors.New("arena: invalid heap offset")
	}

	return
}

// format lays out a fresh header and a single free block spanning the heap.
func (a *Arena) format() {
	a.head = utils.BytesToPointer[header](a.data)
	*a.head = header{}

	a.head.version = Version
	a.head.size = uint64(len(a.data))
	a.head.heapOff = headerSize()

	span := (a.head.size - a.head.heapOff) &^ (blockAlign - 1)
	fb := a.freeBlock(a.head.heapOff)
	fb.size, fb.tag, fb.next = span, tagFree, 0

	a.head.freeHead = a.head.heapOff
	a.head.free = span

	// Attaching processes wait for the magic, so it goes in last.
	copy(a.head.magic[:], Magic)
}

func (a *Arena) Flush() error {
	return a.data.Flush()
}

// Close unmaps the segment. Offsets obtained from it must not be used after.
func (a *Arena) Close() (err error) {
	if a.file != nil {
		if err = a.Flush(); err != nil {
			return
		}
	}

	if err = a.data.Unmap(); err != nil {
		return
	}

	if a.file != nil {
		return a.file.Close()
	}

	return
}

// Logger returns the logger the arena was opened with, so components layered
// on top can default to it.
func (a *Arena) Logger() *slog.Logger {
	return a.log
}

// Size returns the total segment size in bytes.
func (a *Arena) Size() uint64 {
	return a.head.size
}

// FreeBytes returns the bytes currently in free blocks. It is read without
// the allocator lock and is therefore a snapshot.
func (a *Arena) FreeBytes() uint64 {
	return a.head.freeBytes()
}

// Bytes returns n bytes of the segment starting at off.
func (a *Arena) Bytes(off, n uint64) []byte {
	return a.data[off : off+n : off+n]
}

func (a *Arena) fatal(msg string, args ...any) {
	a.log.Error(msg, args...)
	panic(msg)
}
