// Package vmem composes independent backing memory regions into one flat,
// randomly addressable byte range.
//
// A Memory is built once from an ordered list of Buffers. Each Buffer becomes
// a Segment whose base offset is the sum of the sizes of the Buffers before
// it, so the segments tile [0, Size()) without gaps or overlaps. The segment
// list never changes after construction; only segment payloads are mutated,
// each behind its own read/write lock.
package vmem

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrOutOfRange is returned for accesses that are not fully contained
	// in a segment or in the composed address space.
	ErrOutOfRange = errors.New("vmem: access out of range")

	// ErrSegmentFault is returned when a backing buffer panics during an
	// access. The panic is recovered and the segment stays usable.
	ErrSegmentFault = errors.New("vmem: segment fault")

	// ErrNoSegments is returned when building a Memory without buffers.
	ErrNoSegments = errors.New("vmem: no segments")

	// ErrClosed is returned by buffers after Close.
	ErrClosed = errors.New("vmem: buffer closed")
)

// Buffer is one contiguous backing region. Offsets passed to ReadAt and
// WriteAt are local to the buffer. Implementations do not need to be safe
// for concurrent use; the owning Segment serializes writers.
type Buffer interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the fixed size of the region in bytes.
	Size() int64

	// Close releases the region.
	Close() error
}

// Segment is an immutable placement of a Buffer in the global address space.
// All offsets taken by Segment methods are global.
type Segment struct {
	index int
	base  int64
	size  int64
	buf   Buffer

	// mu guards the whole payload: readers share it, a writer excludes
	// every other access to this segment even for disjoint byte ranges.
	mu sync.RWMutex
}

func newSegment(index int, base int64, buf Buffer) *Segment {
	return &Segment{
		index: index,
		base:  base,
		size:  buf.Size(),
		buf:   buf,
	}
}

// Index returns the position of the segment in its Memory.
func (s *Segment) Index() int { return s.index }

// Base returns the global offset of the first byte of the segment.
func (s *Segment) Base() int64 { return s.base }

// Size returns the segment length in bytes.
func (s *Segment) Size() int64 { return s.size }

// End returns the global offset one past the last byte of the segment.
func (s *Segment) End() int64 { return s.base + s.size }

// Remaining reports whether off falls inside the segment and, if so, how
// many bytes of the segment lie at or after off.
func (s *Segment) Remaining(off int64) (int64, bool) {
	if off < s.base || off >= s.base+s.size {
		return 0, false
	}
	return s.base + s.size - off, true
}

// contains re-validates an access independently of Remaining.
func (s *Segment) contains(off int64, n int) bool {
	if off < s.base || n < 0 {
		return false
	}
	local := off - s.base
	return local <= s.size && int64(n) <= s.size-local
}

func (s *Segment) rangeError(off int64, n int) error {
	return fmt.Errorf("%w: segment %d [%d, %d) does not contain [%d, %d)",
		ErrOutOfRange, s.index, s.base, s.End(), off, off+int64(n))
}

// ReadAt copies len(p) bytes starting at global offset off into p.
func (s *Segment) ReadAt(p []byte, off int64) (n int, err error) {
	if !s.contains(off, len(p)) {
		return 0, s.rangeError(off, len(p))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	defer s.recoverFault(&n, &err)

	n, err = s.buf.ReadAt(p, off-s.base)
	if err == nil && n < len(p) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// WriteAt copies p into the segment starting at global offset off.
func (s *Segment) WriteAt(p []byte, off int64) (n int, err error) {
	if !s.contains(off, len(p)) {
		return 0, s.rangeError(off, len(p))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverFault(&n, &err)

	n, err = s.buf.WriteAt(p, off-s.base)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// recoverFault turns a panic in the backing buffer into ErrSegmentFault.
// It runs before the lock is released so the lock is never left held.
func (s *Segment) recoverFault(n *int, err *error) {
	if r := recover(); r != nil {
		*n = 0
		*err = fmt.Errorf("%w: segment %d: %v", ErrSegmentFault, s.index, r)
	}
}
