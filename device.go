package redbtree

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Device is the byte-device abstraction: positioned read, positioned
// write, resize, length query, and a durability barrier. Any file-like
// backend that honours this contract can back a Tree.
type Device interface {
	// Pread reads exactly len(buf) bytes starting at offset.
	Pread(buf []byte, offset uint64) error
	// Pwrite writes exactly len(buf) bytes starting at offset.
	Pwrite(buf []byte, offset uint64) error
	// Resize grows or shrinks the device to newLength bytes.
	Resize(newLength uint64) error
	// Size returns the current length of the device in bytes.
	Size() (uint64, error)
	// Sync is the durability barrier: on return, every write issued before
	// the call is durable.
	Sync() error
	// Close releases the device.
	Close() error
}

var _ Device = (*OSDevice)(nil)

// OSDevice implements Device on top of a regular operating-system file.
// It is the default backend for a real, on-disk database file.
type OSDevice struct {
	mu   sync.Mutex
	file *os.File
}

// OpenOSDevice opens (creating if necessary) the file at path and takes an
// advisory exclusive lock on it, enforcing the single-writer assumption at
// the OS level rather than only by convention.
func OpenOSDevice(path string) (*OSDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("redbtree: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("redbtree: flock %s: %w", path, err)
	}

	return &OSDevice{file: f}, nil
}

func (d *OSDevice) Pread(buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.ReadAt(buf, int64(offset))
	if err != nil {
		return fmt.Errorf("redbtree: pread at %d: %w", offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("redbtree: short read at %d: got %d, want %d", offset, n, len(buf))
	}
	return nil
}

func (d *OSDevice) Pwrite(buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.WriteAt(buf, int64(offset))
	if err != nil {
		return fmt.Errorf("redbtree: pwrite at %d: %w", offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("redbtree: short write at %d: wrote %d, want %d", offset, n, len(buf))
	}
	return nil
}

func (d *OSDevice) Resize(newLength uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.file.Truncate(int64(newLength)); err != nil {
		return fmt.Errorf("redbtree: resize to %d: %w", newLength, err)
	}
	return nil
}

func (d *OSDevice) Size() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, err := d.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("redbtree: stat: %w", err)
	}
	return uint64(info.Size()), nil
}

// Sync issues fsync(2) directly via golang.org/x/sys/unix rather than
// relying solely on os.File.Sync.
func (d *OSDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := unix.Fsync(int(d.file.Fd())); err != nil {
		return fmt.Errorf("redbtree: fsync: %w", err)
	}
	return nil
}

func (d *OSDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("redbtree: close: %w", err)
	}
	return nil
}

var _ Device = (*InMemoryDevice)(nil)

// InMemoryDevice implements Device over a plain byte slice. It exists for
// tests: it has no persistence across process restarts, but exercises every
// allocator and node-codec code path without touching the filesystem.
type InMemoryDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewInMemoryDevice returns an empty in-memory device.
func NewInMemoryDevice() *InMemoryDevice {
	return &InMemoryDevice{}
}

func (d *InMemoryDevice) Pread(buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := offset + uint64(len(buf))
	if end > uint64(len(d.data)) {
		return fmt.Errorf("redbtree: pread at %d: %w", offset, os.ErrClosed)
	}
	copy(buf, d.data[offset:end])
	return nil
}

func (d *InMemoryDevice) Pwrite(buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := offset + uint64(len(buf))
	if end > uint64(len(d.data)) {
		return fmt.Errorf("redbtree: pwrite at %d exceeds size %d", offset, len(d.data))
	}
	copy(d.data[offset:end], buf)
	return nil
}

func (d *InMemoryDevice) Resize(newLength uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if newLength <= uint64(len(d.data)) {
		d.data = d.data[:newLength]
		return nil
	}
	grown := make([]byte, newLength)
	copy(grown, d.data)
	d.data = grown
	return nil
}

func (d *InMemoryDevice) Size() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return uint64(len(d.data)), nil
}

func (d *InMemoryDevice) Sync() error { return nil }

func (d *InMemoryDevice) Close() error { return nil }
