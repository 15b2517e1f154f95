package vmem

import (
	"errors"
	"fmt"
)

// Memory is an ordered, immutable collection of segments exposing a single
// logical address space [0, Size()). It is safe for concurrent use.
type Memory struct {
	segments []*Segment
	size     int64
}

// New builds a Memory from buffers in the given order. Base offsets are the
// running sum of buffer sizes. Empty buffers are rejected so every offset in
// the address space maps to exactly one segment.
func New(buffers ...Buffer) (*Memory, error) {
	if len(buffers) == 0 {
		return nil, ErrNoSegments
	}

	bases := make([]int64, len(buffers))
	var total int64
	for i, b := range buffers {
		if b == nil {
			return nil, fmt.Errorf("vmem: buffer %d is nil", i)
		}
		if b.Size() <= 0 {
			return nil, fmt.Errorf("vmem: buffer %d has invalid size %d", i, b.Size())
		}
		bases[i] = total
		total += b.Size()
	}

	segments := make([]*Segment, len(buffers))
	for i, b := range buffers {
		segments[i] = newSegment(i, bases[i], b)
	}

	return &Memory{
		segments: segments,
		size:     total,
	}, nil
}

// Size returns the total size of the address space in bytes.
func (m *Memory) Size() int64 { return m.size }

// Blocks returns the number of segments.
func (m *Memory) Blocks() int { return len(m.segments) }

// Segments returns the segments in address order.
func (m *Memory) Segments() []*Segment {
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Locate returns the segment containing off and the bytes remaining in it.
func (m *Memory) Locate(off int64) (*Segment, int64, bool) {
	for _, s := range m.segments {
		if remaining, ok := s.Remaining(off); ok {
			return s, remaining, true
		}
	}
	return nil, 0, false
}

// ReadAt reads len(p) bytes starting at off, crossing segment boundaries as
// needed. A request that does not fit in [0, Size()) fails without reading.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return m.span(p, off, (*Segment).ReadAt)
}

// WriteAt writes p starting at off, crossing segment boundaries as needed.
// A request that does not fit in [0, Size()) fails without mutating any
// segment.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	return m.span(p, off, (*Segment).WriteAt)
}

// span resolves [off, off+len(p)) by scanning segments in order, applying op
// to the sub-slice of p that each segment covers.
func (m *Memory) span(p []byte, off int64, op func(*Segment, []byte, int64) (int, error)) (int, error) {
	if off < 0 || off > m.size || int64(len(p)) > m.size-off {
		return 0, fmt.Errorf("%w: [%d, %d) exceeds address space of %d bytes",
			ErrOutOfRange, off, off+int64(len(p)), m.size)
	}

	done := 0
	for _, s := range m.segments {
		if done == len(p) {
			break
		}
		remaining, ok := s.Remaining(off)
		if !ok {
			continue
		}

		n := int64(len(p) - done)
		if remaining < n {
			n = remaining
		}
		if _, err := op(s, p[done:done+int(n)], off); err != nil {
			return done, err
		}
		done += int(n)
		off += n
	}

	if done < len(p) {
		return done, fmt.Errorf("%w: %d bytes unresolved at offset %d",
			ErrOutOfRange, len(p)-done, off)
	}
	return done, nil
}

// Close closes every backing buffer.
func (m *Memory) Close() error {
	var errs []error
	for _, s := range m.segments {
		s.mu.Lock()
		if err := s.buf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", s.index, err))
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
