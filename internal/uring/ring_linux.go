//go:build linux

package uring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

const (
	ioringOpUringCmd      = 46
	ioringSetupSQE128     = 1 << 10
	ioringEnterGetevents  = 1 << 0
	ioringOffSqRing       = 0
	ioringOffCqRing       = 0x8000000
	ioringOffSqes         = 0x10000000
	defaultEntries        = 32
	ioUringSqe128Size     = 128
	ioUringCqeSize        = 16
	uringCmdPayloadOffset = 48
)

type ioSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type ioCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioSqringOffsets
	CqOff        ioCqringOffsets
}

// sqe128 is struct io_uring_sqe as laid out for IORING_SETUP_SQE128, with
// the URING_CMD view of the unions: cmd_op at offset 8 and an 80 byte
// command area at offset 48.
type sqe128 struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	CmdOp       uint32
	Pad1        uint32
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Cmd         [80]byte
}

type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

var (
	_ [ioUringSqe128Size]byte     = [unsafe.Sizeof(sqe128{})]byte{}
	_ [ioUringCqeSize]byte        = [unsafe.Sizeof(ioUringCqe{})]byte{}
	_ [uringCmdPayloadOffset]byte = [unsafe.Offsetof(sqe128{}.Cmd)]byte{}
)

// cmdRing is a hand-rolled io_uring restricted to URING_CMD submissions.
type cmdRing struct {
	fd       int
	targetFD int32

	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []sqe128
	cqes    []ioUringCqe

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   []uint32
	sqEntries uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32

	mu     sync.Mutex
	closed bool
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

func newCmdRing(config Config) (*cmdRing, error) {
	entries := config.Entries
	if entries == 0 {
		entries = defaultEntries
	}

	params := ioUringParams{Flags: ioringSetupSQE128 | config.Flags}
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &cmdRing{
		fd:        int(fd),
		targetFD:  config.FD,
		sqEntries: params.SqEntries,
	}
	if err := r.mapRings(&params); err != nil {
		r.Close()
		return nil, fmt.Errorf("io_uring mmap: %w", err)
	}
	return r, nil
}

func (r *cmdRing) mapRings(params *ioUringParams) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUint32(params.SqOff.Array+params.SqEntries*4, pageSize)
	cqRingSize := alignUint32(params.CqOff.Cqes+params.CqEntries*ioUringCqeSize, pageSize)
	sqesSize := alignUint32(params.SqEntries*ioUringSqe128Size, pageSize)

	var err error
	if r.sqRing, err = unix.Mmap(r.fd, ioringOffSqRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return err
	}
	if r.cqRing, err = unix.Mmap(r.fd, ioringOffCqRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return err
	}
	if r.sqesMap, err = unix.Mmap(r.fd, ioringOffSqes, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return err
	}

	sqBase := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, params.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, params.SqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, params.SqOff.RingMask))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, params.SqOff.Array)), int(params.SqEntries))
	r.sqes = unsafe.Slice((*sqe128)(unsafe.Pointer(&r.sqesMap[0])), int(params.SqEntries))

	cqBase := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, params.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, params.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, params.CqOff.RingMask))
	r.cqes = unsafe.Slice((*ioUringCqe)(unsafe.Add(cqBase, params.CqOff.Cqes)), int(params.CqEntries))
	return nil
}

func (r *cmdRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for _, m := range [][]byte{r.sqesMap, r.cqRing, r.sqRing} {
		if m != nil {
			unix.Munmap(m)
		}
	}
	r.sqesMap, r.cqRing, r.sqRing = nil, nil, nil
	r.sqes, r.cqes, r.sqArray = nil, nil, nil
	return unix.Close(r.fd)
}

// getSqeLocked returns a zeroed SQE and publishes it by advancing the tail.
// The kernel only consumes published entries during io_uring_enter, so the
// caller fills the entry before the next enter.
func (r *cmdRing) getSqeLocked() (*sqe128, error) {
	for attempt := 0; ; attempt++ {
		head := atomic.LoadUint32(r.sqHead)
		tail := atomic.LoadUint32(r.sqTail)
		if tail-head < r.sqEntries {
			idx := tail & r.sqMask
			sqe := &r.sqes[idx]
			*sqe = sqe128{}
			r.sqArray[idx] = idx
			atomic.StoreUint32(r.sqTail, tail+1)
			return sqe, nil
		}
		if attempt > 0 {
			return nil, fmt.Errorf("submission queue full (%d entries)", r.sqEntries)
		}
		if _, err := r.enterLocked(0); err != nil {
			return nil, err
		}
	}
}

func (r *cmdRing) pendingLocked() uint32 {
	return atomic.LoadUint32(r.sqTail) - atomic.LoadUint32(r.sqHead)
}

// enterLocked submits every published SQE and, when minComplete > 0,
// waits for that many completions.
func (r *cmdRing) enterLocked(minComplete uint32) (int, error) {
	for {
		toSubmit := r.pendingLocked()
		var flags uintptr
		if minComplete > 0 {
			flags = ioringEnterGetevents
		}
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd),
			uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
		switch errno {
		case 0:
			return int(n), nil
		case unix.EINTR:
			// Entries consumed before the signal are reflected in sq head.
			continue
		default:
			return 0, fmt.Errorf("io_uring_enter: %w", errno)
		}
	}
}

func (r *cmdRing) reapLocked(out []Result) []Result {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for ; head != tail; head++ {
		cqe := &r.cqes[head&r.cqMask]
		out = append(out, result{userData: cqe.UserData, value: cqe.Res})
	}
	atomic.StoreUint32(r.cqHead, head)
	return out
}

func (r *cmdRing) SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRingClosed
	}

	sqe, err := r.getSqeLocked()
	if err != nil {
		return nil, err
	}
	sqe.Opcode = ioringOpUringCmd
	sqe.Fd = r.targetFD
	sqe.CmdOp = cmd
	sqe.UserData = userData
	uapi.PutCtrlCmd(sqe.Cmd[:uapi.SizeofCtrlCmd], ctrlCmd)

	// Control commands are issued one at a time, so any other completion
	// means the ring is shared with something it should not be.
	for {
		if _, err := r.enterLocked(1); err != nil {
			return nil, err
		}
		foreign := 0
		for _, res := range r.reapLocked(nil) {
			if res.UserData() == userData {
				return res, nil
			}
			foreign++
		}
		if foreign > 0 {
			return nil, fmt.Errorf("unexpected completions on control ring: %d", foreign)
		}
	}
}

func (r *cmdRing) PrepareIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRingClosed
	}

	sqe, err := r.getSqeLocked()
	if err != nil {
		return err
	}
	sqe.Opcode = ioringOpUringCmd
	sqe.Fd = r.targetFD
	sqe.CmdOp = cmd
	sqe.UserData = userData
	uapi.PutIOCmd(sqe.Cmd[:uapi.SizeofIOCmd], ioCmd)
	return nil
}

func (r *cmdRing) Submit() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errRingClosed
	}
	if r.pendingLocked() == 0 {
		return 0, nil
	}
	return r.enterLocked(0)
}

func (r *cmdRing) WaitForCompletion(minComplete int) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRingClosed
	}

	var out []Result
	for {
		out = r.reapLocked(out)
		if len(out) >= minComplete && r.pendingLocked() == 0 {
			return out, nil
		}
		want := minComplete - len(out)
		if want < 0 {
			want = 0
		}
		if _, err := r.enterLocked(uint32(want)); err != nil {
			return out, err
		}
	}
}

var errRingClosed = errors.New("io_uring closed")
