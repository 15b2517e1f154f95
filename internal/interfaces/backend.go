package interfaces

import "time"

// Backend is the address space a device serves. Offsets are byte offsets
// into [0, Size()). The queue workers clip every request to Size() before
// calling ReadAt or WriteAt, so implementations may reject anything beyond.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error.
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	// This determines the size of the block device as seen by the kernel.
	Size() int64
}

// SegmentedBackend is a Backend composed of independent blocks of memory.
// The block count is exported in the device run-state file.
type SegmentedBackend interface {
	Backend

	// Blocks returns the number of backing segments.
	Blocks() int
}

// Fault classifies why a request failed.
type Fault uint8

const (
	FaultNone       Fault = iota
	FaultOutOfRange       // range outside the address space or a segment
	FaultSegment          // a backing buffer faulted during the copy
	FaultBackend          // any other backend error
	FaultInvalid          // unsupported operation or oversized request
	NumFaults
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultOutOfRange:
		return "out_of_range"
	case FaultSegment:
		return "segment_fault"
	case FaultBackend:
		return "backend"
	case FaultInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Completion describes one request a queue served.
type Completion struct {
	Queue   uint16
	Op      uint8  // UBLK_IO_OP_*
	Bytes   uint64 // request length after clipping to the device size
	Latency time.Duration
	// Segments is how many backing segments a READ or WRITE touched.
	// It is zero for other operations and for backends without segments.
	Segments int
	Fault    Fault
}

// Observer receives per-request statistics from the queue workers.
// Implementations must be safe for concurrent use by all queues.
type Observer interface {
	ObserveCompletion(c Completion)
	// ObserveBatch reports how many completions one ring wait returned.
	ObserveBatch(queue uint16, completions int)
}
