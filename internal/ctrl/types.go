package ctrl

import (
	"github.com/ehrlich-b/go-ublk-vram/internal/constants"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

// DeviceParams describes the device registered with ADD_DEV and SET_PARAMS
type DeviceParams struct {
	DeviceID   int32 // -1 lets the kernel choose
	NumQueues  int
	QueueDepth int
	MaxIOSize  int
	DevSize    int64 // bytes exposed to the block layer

	LogicalBlockSize  int
	PhysicalBlockSize int
	IOOptSize         int
	IOMinSize         int

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	EnableFUA     bool

	EnableDiscard      bool
	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16

	EnableUnprivileged bool
}

// DefaultDeviceParams returns the parameters used for a device of size bytes
func DefaultDeviceParams(size int64) DeviceParams {
	return DeviceParams{
		DeviceID:   constants.AutoAssignDeviceID,
		NumQueues:  constants.MinQueues,
		QueueDepth: constants.MinQueues * constants.QueueDepthPerWorker,
		MaxIOSize:  constants.DefaultMaxIOSize,
		DevSize:    size,

		LogicalBlockSize:  constants.DefaultLogicalBlockSize,
		PhysicalBlockSize: constants.DefaultPhysicalBlockSize,
		IOOptSize:         constants.DefaultPhysicalBlockSize,
		IOMinSize:         constants.DefaultLogicalBlockSize,

		VolatileCache: true,

		EnableDiscard:      true,
		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,
	}
}

// DeviceInfo is the decoded GET_DEV_INFO reply
type DeviceInfo struct {
	ID         uint32
	State      uint16
	NumQueues  uint16
	QueueDepth uint16
	MaxIOSize  uint32
	Flags      uint64
	ServerPID  int32
	CharPath   string
	BlockPath  string
}

func newDeviceInfo(raw *uapi.UblksrvCtrlDevInfo) *DeviceInfo {
	return &DeviceInfo{
		ID:         raw.DevID,
		State:      raw.State,
		NumQueues:  raw.NrHwQueues,
		QueueDepth: raw.QueueDepth,
		MaxIOSize:  raw.MaxIOBufBytes,
		Flags:      raw.Flags,
		ServerPID:  raw.UblksrvPID,
		CharPath:   uapi.UblkDevicePath(raw.DevID),
		BlockPath:  uapi.UblkBlockDevicePath(raw.DevID),
	}
}

// Live reports whether the kernel considers the device started
func (d *DeviceInfo) Live() bool {
	return d.State == uapi.UBLK_S_DEV_LIVE
}
