// Package ctrl drives the ublk control device: it registers, configures,
// starts, kills and removes devices through URING_CMD submissions on
// /dev/ublk-control.
package ctrl

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/go-ublk-vram/internal/constants"
	"github.com/ehrlich-b/go-ublk-vram/internal/logging"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
	"github.com/ehrlich-b/go-ublk-vram/internal/uring"
)

type Controller struct {
	controlFd int
	ring      uring.Ring
	logger    *logging.Logger
	seq       atomic.Uint64
}

// NewController opens the control device and its io_uring
func NewController() (*Controller, error) {
	fd, err := syscall.Open(uapi.UBLK_CONTROL_DEV, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uapi.UBLK_CONTROL_DEV, err)
	}

	ring, err := uring.NewRing(uring.Config{
		Entries: constants.ControlRingEntries,
		FD:      int32(fd),
	})
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to create control io_uring: %w", err)
	}

	return &Controller{
		controlFd: fd,
		ring:      ring,
		logger:    logging.Default(),
	}, nil
}

// NewControllerWithRing builds a controller over an existing ring. The ring
// owns whatever descriptor its commands target.
func NewControllerWithRing(ring uring.Ring) *Controller {
	return &Controller{
		controlFd: -1,
		ring:      ring,
		logger:    logging.Default(),
	}
}

// SetLogger sets the logger for this controller
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

func (c *Controller) Close() error {
	if c.ring != nil {
		c.ring.Close()
	}
	if c.controlFd >= 0 {
		err := syscall.Close(c.controlFd)
		c.controlFd = -1
		return err
	}
	return nil
}

// submit issues one control command and converts a negative result into
// an errno error.
func (c *Controller) submit(name string, op uint32, cmd *uapi.UblksrvCtrlCmd) (int32, error) {
	c.logger.ControlStart(name)

	result, err := c.ring.SubmitCtrlCmd(op, cmd, c.seq.Add(1))
	if err != nil {
		err = fmt.Errorf("%s submit failed: %w", name, err)
		c.logger.ControlError(name, err)
		return 0, err
	}
	if result.Value() < 0 {
		err = fmt.Errorf("%s failed: %w", name, result.Error())
		c.logger.ControlError(name, err)
		return result.Value(), err
	}

	c.logger.ControlSuccess(name)
	return result.Value(), nil
}

// bufferAddr returns the address the kernel reads buf from. Tests replace
// it to see the payload behind each command.
var bufferAddr = func(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func bufferCmd(devID uint32, buf []byte) *uapi.UblksrvCtrlCmd {
	return &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.UBLK_CTRL_QUEUE_ID,
		Len:     uint16(len(buf)),
		Addr:    bufferAddr(buf),
	}
}

// AddDevice registers a new device and returns the id the kernel assigned
func (c *Controller) AddDevice(params *DeviceParams) (uint32, error) {
	devID := uint32(uapi.UBLK_AUTO_DEV_ID)
	if params.DeviceID >= 0 {
		devID = uint32(params.DeviceID)
	}

	devInfo := &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    uint16(params.NumQueues),
		QueueDepth:    uint16(params.QueueDepth),
		MaxIOBufBytes: uint32(params.MaxIOSize),
		DevID:         devID,
		UblksrvPID:    int32(os.Getpid()),
		Flags:         buildFeatureFlags(params),
	}

	c.logger.Debug("submitting ADD_DEV",
		"queues", devInfo.NrHwQueues,
		"depth", devInfo.QueueDepth,
		"max_io", devInfo.MaxIOBufBytes,
		"flags", fmt.Sprintf("0x%x", devInfo.Flags))

	infoBuf := uapi.Marshal(devInfo)
	_, err := c.submit("ADD_DEV", uapi.UBLK_U_CMD_ADD_DEV, bufferCmd(devID, infoBuf))
	// The kernel writes the assigned id back into infoBuf
	runtime.KeepAlive(infoBuf)
	if err != nil {
		return 0, err
	}

	info, err := uapi.UnmarshalCtrlDevInfo(infoBuf)
	if err != nil {
		return 0, fmt.Errorf("ADD_DEV reply: %w", err)
	}
	c.logger.Info("device created", "dev_id", info.DevID)
	return info.DevID, nil
}

// SetParams sends the basic block parameters and, when enabled, discard
// parameters
func (c *Controller) SetParams(devID uint32, params *DeviceParams) error {
	p := BuildParams(params)
	buf := uapi.Marshal(p)

	c.logger.Debug("setting device parameters",
		"dev_sectors", p.Basic.DevSectors,
		"max_sectors", p.Basic.MaxSectors,
		"len", len(buf))

	_, err := c.submit("SET_PARAMS", uapi.UBLK_U_CMD_SET_PARAMS, bufferCmd(devID, buf))
	runtime.KeepAlive(buf)
	return err
}

// BuildParams converts device parameters into the SET_PARAMS payload
func BuildParams(params *DeviceParams) *uapi.UblkParams {
	var attrs uint32
	if params.ReadOnly {
		attrs |= uapi.UBLK_ATTR_READ_ONLY
	}
	if params.Rotational {
		attrs |= uapi.UBLK_ATTR_ROTATIONAL
	}
	if params.VolatileCache {
		attrs |= uapi.UBLK_ATTR_VOLATILE_CACHE
	}
	if params.EnableFUA {
		attrs |= uapi.UBLK_ATTR_FUA
	}

	p := &uapi.UblkParams{
		Basic: uapi.UblkParamBasic{
			Attrs:           attrs,
			LogicalBSShift:  uint8(sizeToShift(params.LogicalBlockSize)),
			PhysicalBSShift: uint8(sizeToShift(params.PhysicalBlockSize)),
			IOOptShift:      uint8(sizeToShift(params.IOOptSize)),
			IOMinShift:      uint8(sizeToShift(params.IOMinSize)),
			MaxSectors:      uint32(params.MaxIOSize >> constants.SectorShift),
			DevSectors:      uint64(params.DevSize >> constants.SectorShift),
		},
	}
	p.SetBasic()

	if params.EnableDiscard {
		p.SetDiscard()
		p.Discard = uapi.UblkParamDiscard{
			DiscardAlignment:   params.DiscardAlignment,
			DiscardGranularity: params.DiscardGranularity,
			MaxDiscardSectors:  params.MaxDiscardSectors,
			MaxDiscardSegments: params.MaxDiscardSegments,
		}
	}
	return p
}

// StartDevice publishes /dev/ublkbN. Every queue must already have its
// FETCH_REQ commands in flight, otherwise the kernel waits for them.
func (c *Controller) StartDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.UBLK_CTRL_QUEUE_ID,
		Data:    uint64(os.Getpid()),
	}
	_, err := c.submit("START_DEV", uapi.UBLK_U_CMD_START_DEV, cmd)
	return err
}

// StopDevice kills the device: the block device goes away and every
// in-flight FETCH_REQ completes with UBLK_IO_RES_ABORT.
func (c *Controller) StopDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.UBLK_CTRL_QUEUE_ID,
	}
	_, err := c.submit("STOP_DEV", uapi.UBLK_U_CMD_STOP_DEV, cmd)
	return err
}

// DeleteDevice removes the device and its character node
func (c *Controller) DeleteDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: uapi.UBLK_CTRL_QUEUE_ID,
	}
	_, err := c.submit("DEL_DEV", uapi.UBLK_U_CMD_DEL_DEV, cmd)
	return err
}

// GetDeviceInfo queries the kernel's view of the device
func (c *Controller) GetDeviceInfo(devID uint32) (*DeviceInfo, error) {
	buf := make([]byte, uapi.SizeofCtrlDevInfo)
	_, err := c.submit("GET_DEV_INFO", uapi.UBLK_U_CMD_GET_DEV_INFO, bufferCmd(devID, buf))
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, err
	}

	raw, err := uapi.UnmarshalCtrlDevInfo(buf)
	if err != nil {
		return nil, fmt.Errorf("GET_DEV_INFO reply: %w", err)
	}
	return newDeviceInfo(raw), nil
}

func buildFeatureFlags(params *DeviceParams) uint64 {
	flags := uint64(uapi.UBLK_F_CMD_IOCTL_ENCODE)
	if params.EnableUnprivileged {
		flags |= uapi.UBLK_F_UNPRIVILEGED_DEV
	}
	return flags
}

// sizeToShift converts a size to its shift value (log2)
func sizeToShift(size int) int {
	shift := 0
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
