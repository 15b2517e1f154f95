package queue

import (
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

// TaskState is the position of a tag in the fetch -> dispatch -> commit cycle
type TaskState uint8

const (
	TaskFetch    TaskState = iota // FETCH_REQ in flight; waiting for the first command
	TaskDispatch                  // command owned by userspace; descriptor readable
	TaskCommit                    // COMMIT_AND_FETCH_REQ in flight; waiting for the next command
	TaskAborted                   // queue torn down; no further commands are issued
)

func (s TaskState) String() string {
	switch s {
	case TaskFetch:
		return "FETCH"
	case TaskDispatch:
		return "DISPATCH"
	case TaskCommit:
		return "COMMIT_AND_FETCH"
	case TaskAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// User data encoding: high bit indicates operation type
const (
	udOpFetch  uint64 = 0 << 63 // FETCH_REQ completion
	udOpCommit uint64 = 1 << 63 // COMMIT_AND_FETCH_REQ completion
	udTagMask  uint64 = 0xFFFF
)

// ioTask is the state of one tag. A task is suspended while its command is
// in flight and resumed by the worker when the matching completion arrives.
type ioTask struct {
	tag   uint16
	state TaskState
	buf   []byte // per-tag data buffer handed to the kernel
	addr  uint64 // address of buf as seen by the kernel
}

// awaiting reports whether the task has a command in flight.
func (t *ioTask) awaiting() bool {
	return t.state == TaskFetch || t.state == TaskCommit
}

func (t *ioTask) fetchCmd(qid uint16) (uint32, *uapi.UblksrvIOCmd, uint64) {
	cmd := &uapi.UblksrvIOCmd{QID: qid, Tag: t.tag, Addr: t.addr}
	return uapi.UBLK_U_IO_FETCH_REQ, cmd, udOpFetch | uint64(qid)<<16 | uint64(t.tag)
}

func (t *ioTask) commitCmd(qid uint16, result int32) (uint32, *uapi.UblksrvIOCmd, uint64) {
	cmd := &uapi.UblksrvIOCmd{QID: qid, Tag: t.tag, Result: result, Addr: t.addr}
	return uapi.UBLK_U_IO_COMMIT_AND_FETCH_REQ, cmd, udOpCommit | uint64(qid)<<16 | uint64(t.tag)
}
