package queue

import (
	"errors"
	"fmt"
	"math"
	"syscall"

	"github.com/ehrlich-b/go-ublk-vram/internal/constants"
	"github.com/ehrlich-b/go-ublk-vram/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
	"github.com/ehrlich-b/go-ublk-vram/vmem"
)

// errInvalid marks requests rejected before reaching the backend.
var errInvalid = errors.New("invalid request")

// request is one kernel command resolved against the device size.
type request struct {
	op     uint8
	offset int64
	length int64
}

// resolve converts a descriptor into a byte range clipped to size. The
// start is clamped to size; a range reaching or passing the end is cut
// back to end exactly at size.
func resolve(desc uapi.UblksrvIODesc, size int64) request {
	offset := size
	if desc.StartSector < uint64(size)>>constants.SectorShift {
		offset = int64(desc.StartSector) << constants.SectorShift
	}
	length := int64(desc.NrSectors) << constants.SectorShift
	if offset+length >= size {
		length = size - offset
	}
	return request{op: desc.GetOp(), offset: offset, length: length}
}

// opName returns a short name for logging.
func opName(op uint8) string {
	switch op {
	case uapi.UBLK_IO_OP_READ:
		return "READ"
	case uapi.UBLK_IO_OP_WRITE:
		return "WRITE"
	case uapi.UBLK_IO_OP_FLUSH:
		return "FLUSH"
	case uapi.UBLK_IO_OP_DISCARD:
		return "DISCARD"
	default:
		return fmt.Sprintf("OP_%d", op)
	}
}

// Dispatch executes the command described by desc against backend, using
// buf as the request's data buffer. It returns the value committed back to
// the kernel: bytes processed on success, or a negated errno.
func Dispatch(backend interfaces.Backend, desc uapi.UblksrvIODesc, buf []byte) int32 {
	res, _ := dispatch(backend, resolve(desc, backend.Size()), buf)
	return res
}

// dispatch runs a resolved request. The returned error carries the cause of
// a failed READ or WRITE for logging; the kernel only sees the errno.
func dispatch(backend interfaces.Backend, req request, buf []byte) (int32, error) {
	if req.length == 0 {
		return 0, nil
	}

	switch req.op {
	case uapi.UBLK_IO_OP_READ, uapi.UBLK_IO_OP_WRITE:
	case uapi.UBLK_IO_OP_FLUSH, uapi.UBLK_IO_OP_DISCARD:
		// Advisory only: nothing to persist beyond the backing memory.
		// A large discard can exceed int32; the kernel only checks the sign.
		return int32(min(req.length, math.MaxInt32)), nil
	default:
		return -int32(syscall.EINVAL), fmt.Errorf("%w: unsupported operation %d", errInvalid, req.op)
	}

	if req.length > int64(len(buf)) {
		return -int32(syscall.EINVAL), fmt.Errorf("%w: %d bytes exceed the %d byte buffer", errInvalid, req.length, len(buf))
	}

	data := buf[:req.length]
	var err error
	if req.op == uapi.UBLK_IO_OP_READ {
		_, err = backend.ReadAt(data, req.offset)
	} else {
		_, err = backend.WriteAt(data, req.offset)
	}
	if err != nil {
		return -int32(syscall.EIO), err
	}
	return int32(req.length), nil
}

// classify maps a dispatch error to the fault it reports.
func classify(err error) interfaces.Fault {
	switch {
	case err == nil:
		return interfaces.FaultNone
	case errors.Is(err, errInvalid):
		return interfaces.FaultInvalid
	case errors.Is(err, vmem.ErrOutOfRange):
		return interfaces.FaultOutOfRange
	case errors.Is(err, vmem.ErrSegmentFault):
		return interfaces.FaultSegment
	default:
		return interfaces.FaultBackend
	}
}

// segmentsSpanned counts the segments of backend that [off, off+n) touches,
// stopping at the first byte no segment holds. Backends without segments
// report 0.
func segmentsSpanned(backend interfaces.Backend, off, n int64) int {
	loc, ok := backend.(segmentLocator)
	if !ok {
		return 0
	}
	count := 0
	for n > 0 {
		_, remaining, found := loc.Locate(off)
		if !found {
			break
		}
		step := min(remaining, n)
		count++
		off += step
		n -= step
	}
	return count
}
