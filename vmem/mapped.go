package vmem

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"
)

// MappedBuffer is a region backed by a shared memory mapping. It serves
// regular files, /dev/shm objects and PCI BAR resource files alike.
type MappedBuffer struct {
	path string

	mu   sync.Mutex
	data []byte
}

// MapFile maps size bytes of path starting at offset. A size of zero maps
// from offset to the end of the file as reported by stat.
func MapFile(path string, offset, size int64) (*MappedBuffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("vmem: open %s: %w", path, err)
	}
	defer f.Close()

	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("vmem: stat %s: %w", path, err)
		}
		size = st.Size() - offset
	}
	if size <= 0 {
		return nil, fmt.Errorf("vmem: nothing to map in %s at offset %d", path, offset)
	}
	if offset%int64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("vmem: offset %d of %s is not page aligned", offset, path)
	}

	data, err := unix.Mmap(int(f.Fd()), offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vmem: mmap %s: %w", path, err)
	}
	return &MappedBuffer{path: path, data: data}, nil
}

// MapAnonymous maps size bytes of private anonymous memory.
func MapAnonymous(size int64) (*MappedBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vmem: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("vmem: mmap anonymous: %w", err)
	}
	return &MappedBuffer{path: "anonymous", data: data}, nil
}

// Path returns the mapped file path.
func (m *MappedBuffer) Path() string { return m.path }

// ReadAt implements Buffer.
func (m *MappedBuffer) ReadAt(p []byte, off int64) (int, error) {
	// A bus error on a BAR or truncated file panics instead of killing
	// the process, and the segment reports it.
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	data := m.bytes()
	if data == nil {
		return 0, ErrClosed
	}
	if err := checkLocal(int64(len(data)), off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, data[off:]), nil
}

// WriteAt implements Buffer.
func (m *MappedBuffer) WriteAt(p []byte, off int64) (int, error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	data := m.bytes()
	if data == nil {
		return 0, ErrClosed
	}
	if err := checkLocal(int64(len(data)), off, len(p)); err != nil {
		return 0, err
	}
	return copy(data[off:], p), nil
}

// Size implements Buffer.
func (m *MappedBuffer) Size() int64 {
	return int64(len(m.bytes()))
}

// Sync flushes dirty pages of a file mapping.
func (m *MappedBuffer) Sync() error {
	data := m.bytes()
	if data == nil {
		return ErrClosed
	}
	return unix.Msync(data, unix.MS_SYNC)
}

// Close unmaps the region.
func (m *MappedBuffer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (m *MappedBuffer) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}
