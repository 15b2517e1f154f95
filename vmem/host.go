package vmem

import (
	"fmt"
	"sync/atomic"
)

// HostBuffer is a RAM-backed region allocated on the Go heap.
type HostBuffer struct {
	data   []byte
	closed atomic.Bool
}

// NewHostBuffer allocates a zeroed region of size bytes.
func NewHostBuffer(size int64) (*HostBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vmem: invalid host buffer size %d", size)
	}
	return &HostBuffer{data: make([]byte, size)}, nil
}

// ReadAt implements Buffer.
func (h *HostBuffer) ReadAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if err := checkLocal(int64(len(h.data)), off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, h.data[off:]), nil
}

// WriteAt implements Buffer.
func (h *HostBuffer) WriteAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if err := checkLocal(int64(len(h.data)), off, len(p)); err != nil {
		return 0, err
	}
	return copy(h.data[off:], p), nil
}

// Size implements Buffer.
func (h *HostBuffer) Size() int64 {
	return int64(len(h.data))
}

// Close implements Buffer. The allocation is left to the garbage collector.
func (h *HostBuffer) Close() error {
	h.closed.Store(true)
	return nil
}

// SplitHost allocates total bytes as a sequence of host buffers of at most
// segmentSize bytes each. The last buffer holds the remainder.
func SplitHost(total, segmentSize int64) ([]Buffer, error) {
	if total <= 0 {
		return nil, fmt.Errorf("vmem: invalid total size %d", total)
	}
	if segmentSize <= 0 {
		return nil, fmt.Errorf("vmem: invalid segment size %d", segmentSize)
	}

	var buffers []Buffer
	for remaining := total; remaining > 0; {
		n := segmentSize
		if remaining < n {
			n = remaining
		}
		b, err := NewHostBuffer(n)
		if err != nil {
			return nil, err
		}
		buffers = append(buffers, b)
		remaining -= n
	}
	return buffers, nil
}

func checkLocal(size, off int64, n int) error {
	if off < 0 || off > size || int64(n) > size-off {
		return fmt.Errorf("%w: [%d, %d) outside buffer of %d bytes",
			ErrOutOfRange, off, off+int64(n), size)
	}
	return nil
}
