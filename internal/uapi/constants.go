// Package uapi provides Linux kernel UAPI definitions for ublk
package uapi

// Control command numbers (ioctl nr)
const (
	UBLK_CMD_GET_QUEUE_AFFINITY = 0x01
	UBLK_CMD_GET_DEV_INFO       = 0x02
	UBLK_CMD_ADD_DEV            = 0x04
	UBLK_CMD_DEL_DEV            = 0x05
	UBLK_CMD_START_DEV          = 0x06
	UBLK_CMD_STOP_DEV           = 0x07
	UBLK_CMD_SET_PARAMS         = 0x08
	UBLK_CMD_GET_PARAMS         = 0x09
	UBLK_CMD_GET_DEV_INFO2      = 0x12
)

// I/O command numbers (ioctl nr)
const (
	UBLK_IO_FETCH_REQ            = 0x20
	UBLK_IO_COMMIT_AND_FETCH_REQ = 0x21
)

// Encoded command opcodes placed in sqe->cmd_op
var (
	UBLK_U_CMD_GET_DEV_INFO        = UblkCtrlCmd(UBLK_CMD_GET_DEV_INFO)
	UBLK_U_CMD_ADD_DEV             = UblkCtrlCmd(UBLK_CMD_ADD_DEV)
	UBLK_U_CMD_DEL_DEV             = UblkCtrlCmd(UBLK_CMD_DEL_DEV)
	UBLK_U_CMD_START_DEV           = UblkCtrlCmd(UBLK_CMD_START_DEV)
	UBLK_U_CMD_STOP_DEV            = UblkCtrlCmd(UBLK_CMD_STOP_DEV)
	UBLK_U_CMD_SET_PARAMS          = UblkCtrlCmd(UBLK_CMD_SET_PARAMS)
	UBLK_U_CMD_GET_PARAMS          = UblkCtrlCmd(UBLK_CMD_GET_PARAMS)
	UBLK_U_IO_FETCH_REQ            = UblkIOCmd(UBLK_IO_FETCH_REQ)
	UBLK_U_IO_COMMIT_AND_FETCH_REQ = UblkIOCmd(UBLK_IO_COMMIT_AND_FETCH_REQ)
)

// I/O Result Codes
const (
	UBLK_IO_RES_OK    = 0
	UBLK_IO_RES_ABORT = -19 // -ENODEV
)

// Feature Flags (64-bit)
const (
	UBLK_F_SUPPORT_ZERO_COPY      = 1 << 0
	UBLK_F_URING_CMD_COMP_IN_TASK = 1 << 1
	UBLK_F_NEED_GET_DATA          = 1 << 2
	UBLK_F_USER_RECOVERY          = 1 << 3
	UBLK_F_USER_RECOVERY_REISSUE  = 1 << 4
	UBLK_F_UNPRIVILEGED_DEV       = 1 << 5
	UBLK_F_CMD_IOCTL_ENCODE       = 1 << 6
	UBLK_F_USER_COPY              = 1 << 7
)

// Device States
const (
	UBLK_S_DEV_DEAD     = 0
	UBLK_S_DEV_LIVE     = 1
	UBLK_S_DEV_QUIESCED = 2
)

// I/O Operations
const (
	UBLK_IO_OP_READ         = 0
	UBLK_IO_OP_WRITE        = 1
	UBLK_IO_OP_FLUSH        = 2
	UBLK_IO_OP_DISCARD      = 3
	UBLK_IO_OP_WRITE_SAME   = 4
	UBLK_IO_OP_WRITE_ZEROES = 5
)

// I/O Flags
const (
	UBLK_IO_F_FAILFAST_DEV       = 1 << 8
	UBLK_IO_F_FAILFAST_TRANSPORT = 1 << 9
	UBLK_IO_F_FAILFAST_DRIVER    = 1 << 10
	UBLK_IO_F_META               = 1 << 11
	UBLK_IO_F_FUA                = 1 << 13
	UBLK_IO_F_NOUNMAP            = 1 << 15
	UBLK_IO_F_SWAP               = 1 << 16
)

// Limits and Constants
const (
	UBLK_MAX_QUEUE_DEPTH = 4096 // Max IOs per queue
	UBLK_MAX_NR_QUEUES   = 4096 // Max queues per device

	// Descriptor array mmap offset on /dev/ublkcN
	UBLKSRV_CMD_BUF_OFFSET = 0

	// Control commands target no queue
	UBLK_CTRL_QUEUE_ID = 0xFFFF

	// Control commands with this dev_id ask the kernel to pick one
	UBLK_AUTO_DEV_ID = 0xFFFFFFFF
)

// Device Attribute Flags
const (
	UBLK_ATTR_READ_ONLY      = 1 << 0
	UBLK_ATTR_ROTATIONAL     = 1 << 1
	UBLK_ATTR_VOLATILE_CACHE = 1 << 2
	UBLK_ATTR_FUA            = 1 << 3
)

// Parameter Type Flags
const (
	UBLK_PARAM_TYPE_BASIC   = 1 << 0
	UBLK_PARAM_TYPE_DISCARD = 1 << 1
	UBLK_PARAM_TYPE_DEVT    = 1 << 2
)

// ioctl encoding constants
const (
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode creates an ioctl command number
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

// UblkCtrlCmd encodes a control command as _IOWR('u', cmd, struct ublksrv_ctrl_cmd)
func UblkCtrlCmd(cmd uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, 'u', cmd, SizeofCtrlCmd)
}

// UblkIOCmd encodes an I/O command as _IOWR('u', cmd, struct ublksrv_io_cmd)
func UblkIOCmd(cmd uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, 'u', cmd, SizeofIOCmd)
}
