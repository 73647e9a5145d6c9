//go:build unix

package capture

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrReleased is returned when a released buffer is used.
var ErrReleased = errors.New("capture buffer released")

// Buffer is a fixed-capacity region reserved before any fault occurs.
// It is mapped outside the Go heap so writing to it never involves the
// allocator or the garbage collector. The first HeaderSize bytes hold the
// encoded record header; the rest holds the goroutine dump.
type Buffer struct {
	mem    []byte
	locked bool
}

// Reserve maps size bytes of zeroed anonymous memory. It is the only place
// a capture buffer allocates. Pages are locked in memory when the process is
// allowed to.
func Reserve(size int) (*Buffer, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("buffer of %d bytes is smaller than the %d byte record header", size, HeaderSize)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", size, err)
	}
	b := &Buffer{mem: mem}
	// Best effort; RLIMIT_MEMLOCK is often tiny for unprivileged users.
	b.locked = unix.Mlock(mem) == nil
	return b, nil
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.mem)
}

// Locked reports whether the pages are locked in memory.
func (b *Buffer) Locked() bool {
	return b.locked
}

// Writable returns the whole region.
func (b *Buffer) Writable() []byte {
	return b.mem
}

// Header returns the region reserved for the record header.
func (b *Buffer) Header() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem[:HeaderSize]
}

// DumpRegion returns the region that follows the header.
func (b *Buffer) DumpRegion() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem[HeaderSize:]
}

// Reset zeroes the buffer for reuse.
func (b *Buffer) Reset() {
	clear(b.mem)
}

// Release unmaps the region. Further use of the buffer is an error.
func (b *Buffer) Release() error {
	if b.mem == nil {
		return ErrReleased
	}
	if b.locked {
		_ = unix.Munlock(b.mem)
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	b.locked = false
	if err != nil {
		return fmt.Errorf("failed to unmap capture buffer: %w", err)
	}
	return nil
}
