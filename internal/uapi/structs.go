package uapi

import (
	"fmt"
	"unsafe"
)

// Wire sizes of the kernel structures
const (
	SizeofCtrlCmd      = 32
	SizeofCtrlDevInfo  = 64
	SizeofIODesc       = 24
	SizeofIOCmd        = 16
	SizeofParamBasic   = 32
	SizeofParamDiscard = 20
	SizeofParamsHeader = 8
)

// UblksrvCtrlCmd must match kernel struct exactly (32 bytes).
// It is placed in the SQE128 command area.
//
//	struct ublksrv_ctrl_cmd {
//	  __u32 dev_id;
//	  __u16 queue_id;
//	  __u16 len;
//	  __u64 addr;
//	  __u64 data[1];
//	  __u16 dev_path_len;
//	  __u16 pad;
//	  __u32 reserved;
//	};
type UblksrvCtrlCmd struct {
	DevID      uint32 // device id (0xFFFFFFFF for new device)
	QueueID    uint16 // 0xFFFF for control ops
	Len        uint16 // data length for buffer at addr
	Addr       uint64 // userspace buffer address
	Data       uint64 // inline payload
	DevPathLen uint16 // for unprivileged mode
	Pad        uint16
	Reserved   uint32
}

var _ [SizeofCtrlCmd]byte = [unsafe.Sizeof(UblksrvCtrlCmd{})]byte{}

// UblksrvCtrlDevInfo contains device information
type UblksrvCtrlDevInfo struct {
	NrHwQueues    uint16 // number of hardware queues
	QueueDepth    uint16 // depth per queue
	State         uint16 // device state (UBLK_S_*)
	Pad0          uint16
	MaxIOBufBytes uint32 // max I/O buffer size
	DevID         uint32 // device ID
	UblksrvPID    int32  // server process ID
	Pad1          uint32
	Flags         uint64 // feature flags
	UblksrvFlags  uint64 // server-internal flags (invisible to driver)
	OwnerUID      uint32 // owner UID (set by kernel)
	OwnerGID      uint32 // owner GID (set by kernel)
	Reserved1     uint64
	Reserved2     uint64
}

var _ [SizeofCtrlDevInfo]byte = [unsafe.Sizeof(UblksrvCtrlDevInfo{})]byte{}

// UblksrvIODesc describes each I/O operation (stored in shared memory).
type UblksrvIODesc struct {
	OpFlags     uint32 // op: bits 0-7, flags: bits 8-31
	NrSectors   uint32 // number of sectors
	StartSector uint64 // starting sector
	Addr        uint64 // buffer address in userspace
}

var _ [SizeofIODesc]byte = [unsafe.Sizeof(UblksrvIODesc{})]byte{}

// GetOp extracts the operation code from OpFlags
func (d *UblksrvIODesc) GetOp() uint8 {
	return uint8(d.OpFlags & 0xff)
}

// GetFlags extracts the flags from OpFlags
func (d *UblksrvIODesc) GetFlags() uint32 {
	return d.OpFlags >> 8
}

// UblksrvIOCmd is issued to ublk driver via /dev/ublkcN
type UblksrvIOCmd struct {
	QID    uint16 // queue ID
	Tag    uint16 // request tag
	Result int32  // I/O result (valid for COMMIT* commands only)
	Addr   uint64 // userspace buffer address
}

var _ [SizeofIOCmd]byte = [unsafe.Sizeof(UblksrvIOCmd{})]byte{}

// UblkParamBasic contains basic device parameters
type UblkParamBasic struct {
	Attrs            uint32 // attribute flags (UBLK_ATTR_*)
	LogicalBSShift   uint8
	PhysicalBSShift  uint8
	IOOptShift       uint8
	IOMinShift       uint8
	MaxSectors       uint32 // max sectors per request
	ChunkSectors     uint32
	DevSectors       uint64 // device size in sectors
	VirtBoundaryMask uint64
}

var _ [SizeofParamBasic]byte = [unsafe.Sizeof(UblkParamBasic{})]byte{}

// UblkParamDiscard contains discard-related parameters
type UblkParamDiscard struct {
	DiscardAlignment      uint32
	DiscardGranularity    uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	MaxDiscardSegments    uint16
	Reserved0             uint16
}

// UblkParams contains the parameter blocks sent with SET_PARAMS
type UblkParams struct {
	Len     uint32 // total length, filled in by Marshal
	Types   uint32 // UBLK_PARAM_TYPE_*
	Basic   UblkParamBasic
	Discard UblkParamDiscard
}

// HasBasic returns true if basic parameters are included
func (p *UblkParams) HasBasic() bool {
	return (p.Types & UBLK_PARAM_TYPE_BASIC) != 0
}

// HasDiscard returns true if discard parameters are included
func (p *UblkParams) HasDiscard() bool {
	return (p.Types & UBLK_PARAM_TYPE_DISCARD) != 0
}

// SetBasic enables basic parameters
func (p *UblkParams) SetBasic() {
	p.Types |= UBLK_PARAM_TYPE_BASIC
}

// SetDiscard enables discard parameters
func (p *UblkParams) SetDiscard() {
	p.Types |= UBLK_PARAM_TYPE_DISCARD
}

// Device file paths
const (
	UBLK_CONTROL_DEV = "/dev/ublk-control"
)

// UblkDevicePath returns the path to the character device
func UblkDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkc%d", devID)
}

// UblkBlockDevicePath returns the path to the block device
func UblkBlockDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkb%d", devID)
}

// IODescOffset returns the mmap offset of a queue's descriptor array on
// /dev/ublkcN. The kernel reserves room for the maximum depth per queue.
func IODescOffset(qid uint16, pageSize int) int64 {
	return UBLKSRV_CMD_BUF_OFFSET + int64(qid)*int64(IODescMapSize(UBLK_MAX_QUEUE_DEPTH, pageSize))
}

// IODescMapSize returns the page-rounded size of a descriptor array.
func IODescMapSize(depth, pageSize int) int {
	n := depth * SizeofIODesc
	return (n + pageSize - 1) &^ (pageSize - 1)
}
