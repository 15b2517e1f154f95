// Package ublk serves a Backend as a Linux ublk block device.
//
// A device is registered with the ublk driver, then one queue worker per
// hardware queue is started, each on its own OS thread. Once every queue
// has primed its tags the device is started and /dev/ublkbN appears.
// Shutdown is explicit: Kill asks the kernel to abort all queues, the
// workers drain, and the device is deleted.
package ublk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-ublk-vram/internal/constants"
	"github.com/ehrlich-b/go-ublk-vram/internal/ctrl"
	"github.com/ehrlich-b/go-ublk-vram/internal/logging"
	"github.com/ehrlich-b/go-ublk-vram/internal/queue"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

// controlPlane is the subset of the ublk control device used here.
type controlPlane interface {
	AddDevice(params *ctrl.DeviceParams) (uint32, error)
	SetParams(devID uint32, params *ctrl.DeviceParams) error
	StartDevice(devID uint32) error
	StopDevice(devID uint32) error
	DeleteDevice(devID uint32) error
	GetDeviceInfo(devID uint32) (*ctrl.DeviceInfo, error)
	Close() error
}

// queueRunner serves one hardware queue until the kernel aborts it.
type queueRunner interface {
	Run(ready func()) error
	Close() error
}

var (
	openControl = func(logger *logging.Logger) (controlPlane, error) {
		c, err := ctrl.NewController()
		if err != nil {
			return nil, err
		}
		c.SetLogger(logger)
		return c, nil
	}

	openQueue = func(ctx context.Context, config queue.Config) (queueRunner, error) {
		return queue.NewWorker(ctx, config)
	}
)

// DeviceParams contains parameters for creating a ublk device
type DeviceParams struct {
	// Backend provides the storage implementation
	Backend Backend

	// Queue configuration
	NumQueues  int // Number of hardware queues (default: max(CPUs, 2))
	QueueDepth int // Tags per queue (default: NumQueues * 64, at most 4096)
	MaxIOSize  int // Largest request in bytes; one buffer of this size per tag

	// Block geometry
	LogicalBlockSize  int
	PhysicalBlockSize int

	// Device attributes
	ReadOnly      bool
	Rotational    bool
	VolatileCache bool // Makes the block layer send FLUSH
	EnableFUA     bool

	// Discard parameters
	EnableDiscard      bool
	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16

	EnableUnprivileged bool
	DeviceID           int32 // Specific device ID to request (-1 for auto)
}

// DefaultQueues returns the default hardware queue count
func DefaultQueues() int {
	return max(runtime.NumCPU(), constants.MinQueues)
}

// DefaultDepth returns the default queue depth for the given queue count
func DefaultDepth(queues int) int {
	return min(queues*constants.QueueDepthPerWorker, uapi.UBLK_MAX_QUEUE_DEPTH)
}

// DefaultParams returns default device parameters
func DefaultParams(backend Backend) DeviceParams {
	queues := DefaultQueues()
	return DeviceParams{
		Backend:    backend,
		NumQueues:  queues,
		QueueDepth: DefaultDepth(queues),
		MaxIOSize:  constants.DefaultMaxIOSize,

		LogicalBlockSize:  constants.DefaultLogicalBlockSize,
		PhysicalBlockSize: constants.DefaultPhysicalBlockSize,

		VolatileCache: true,

		EnableDiscard:      true,
		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,

		DeviceID: constants.AutoAssignDeviceID,
	}
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate reports the first invalid parameter
func (p *DeviceParams) Validate() error {
	invalid := func(format string, args ...any) error {
		return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf(format, args...))
	}

	if p.Backend == nil {
		return NewError("VALIDATE", ErrCodeNoSegments, "no backend")
	}
	size := p.Backend.Size()
	if size <= 0 {
		return invalid("device size must be positive, got %d", size)
	}
	if p.NumQueues < 1 || p.NumQueues > uapi.UBLK_MAX_NR_QUEUES {
		return invalid("queue count %d out of range [1, %d]", p.NumQueues, uapi.UBLK_MAX_NR_QUEUES)
	}
	if p.QueueDepth < 1 || p.QueueDepth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return invalid("queue depth %d out of range [1, %d]", p.QueueDepth, uapi.UBLK_MAX_QUEUE_DEPTH)
	}
	if p.MaxIOSize <= 0 || p.MaxIOSize%constants.SectorSize != 0 || p.MaxIOSize > constants.MaxIOSize {
		return invalid("max IO size %d must be a multiple of %d up to %d",
			p.MaxIOSize, constants.SectorSize, constants.MaxIOSize)
	}
	if !isPow2(p.LogicalBlockSize) || p.LogicalBlockSize < constants.SectorSize || p.LogicalBlockSize > os.Getpagesize() {
		return invalid("logical block size %d must be a power of two in [%d, page size]",
			p.LogicalBlockSize, constants.SectorSize)
	}
	if !isPow2(p.PhysicalBlockSize) || p.PhysicalBlockSize < p.LogicalBlockSize {
		return invalid("physical block size %d must be a power of two >= logical block size", p.PhysicalBlockSize)
	}
	if size < int64(p.LogicalBlockSize) {
		return invalid("device size %d is smaller than one block", size)
	}
	return nil
}

func (p *DeviceParams) ctrlParams() ctrl.DeviceParams {
	cp := ctrl.DefaultDeviceParams(p.Backend.Size())

	cp.DeviceID = p.DeviceID
	cp.NumQueues = p.NumQueues
	cp.QueueDepth = p.QueueDepth
	cp.MaxIOSize = p.MaxIOSize

	cp.LogicalBlockSize = p.LogicalBlockSize
	cp.PhysicalBlockSize = p.PhysicalBlockSize
	cp.IOOptSize = p.PhysicalBlockSize
	cp.IOMinSize = p.LogicalBlockSize

	cp.ReadOnly = p.ReadOnly
	cp.Rotational = p.Rotational
	cp.VolatileCache = p.VolatileCache
	cp.EnableFUA = p.EnableFUA

	cp.EnableDiscard = p.EnableDiscard
	cp.DiscardAlignment = p.DiscardAlignment
	cp.DiscardGranularity = p.DiscardGranularity
	cp.MaxDiscardSectors = p.MaxDiscardSectors
	cp.MaxDiscardSegments = p.MaxDiscardSegments

	cp.EnableUnprivileged = p.EnableUnprivileged
	return cp
}

// Options contains additional options for device creation
type Options struct {
	// Logger for lifecycle and per-request errors (default: logging.Default())
	Logger *logging.Logger

	// Observer receives request statistics in addition to the device's
	// built-in Metrics
	Observer Observer

	// RunDir is where the run-state file is written (default: /run/ublksrvd)
	RunDir string

	// DisableRunState skips writing the run-state file
	DisableRunState bool
}

// Device is a registered ublk device and its queue workers
type Device struct {
	// ID is the device ID assigned by the kernel
	ID uint32

	// Path is the path to the block device (e.g., "/dev/ublkb0")
	Path string

	// CharPath is the path to the character device (e.g., "/dev/ublkc0")
	CharPath string

	// Backend is the storage being served
	Backend Backend

	params  DeviceParams
	blocks  int
	control controlPlane
	queues  []queueRunner
	logger  *logging.Logger

	metrics  *Metrics
	observer Observer

	runDir       string
	runStatePath string

	started  atomic.Bool
	deleted  atomic.Bool
	killOnce sync.Once
	killErr  error
	stopOnce sync.Once
	stopErr  error

	done     chan struct{} // closed when every queue worker has returned
	serveErr error         // first queue error, valid after done
}

// CreateAndServe registers a device for params.Backend, starts one worker
// per queue and starts the device. The device serves I/O until Kill or
// StopAndDelete is called, or the kernel tears it down.
//
// ctx bounds startup only; cancelling it later does not stop the device.
// Use Serve to tie the device's lifetime to a context.
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	runDir := options.RunDir
	if runDir == "" {
		runDir = constants.DefaultRunDir
	}

	control, err := openControl(logger)
	if err != nil {
		return nil, WrapError("OPEN_CONTROL", err)
	}

	cp := params.ctrlParams()
	devID, err := control.AddDevice(&cp)
	if err != nil {
		control.Close()
		return nil, WrapError("ADD_DEV", err)
	}

	metrics := NewMetrics()
	d := &Device{
		ID:       devID,
		Path:     uapi.UblkBlockDevicePath(devID),
		CharPath: uapi.UblkDevicePath(devID),
		Backend:  params.Backend,
		params:   params,
		blocks:   blockCount(params.Backend),
		control:  control,
		logger:   logger.WithDevice(int(devID)),
		metrics:  metrics,
		observer: Tee(metrics, options.Observer),
		runDir:   runDir,
		done:     make(chan struct{}),
	}
	d.logger.Info("device added", "queues", params.NumQueues, "depth", params.QueueDepth,
		"max_io", params.MaxIOSize, "size", params.Backend.Size(), "blocks", d.blocks)

	if err := control.SetParams(devID, &cp); err != nil {
		return nil, d.abandon(WrapDeviceError("SET_PARAMS", devID, err))
	}

	if err := d.openQueues(ctx); err != nil {
		return nil, d.abandon(err)
	}

	if err := d.runQueues(ctx); err != nil {
		return nil, d.failStart(err)
	}

	if err := control.StartDevice(devID); err != nil {
		return nil, d.failStart(WrapDeviceError("START_DEV", devID, err))
	}
	d.started.Store(true)

	if err := d.waitLive(constants.DeviceStartTimeout); err != nil {
		d.logger.Warn("device did not report live", "error", err)
	}

	if !options.DisableRunState {
		path, err := WriteRunState(d.runDir, d.runState())
		if err != nil {
			d.logger.Warn("failed to publish run state", "error", err)
		} else {
			d.runStatePath = path
		}
	}

	d.logger.Info("device started", "block_device", d.Path, "char_device", d.CharPath)
	return d, nil
}

// Serve creates a device and serves it until ctx is done or every queue
// has exited, then kills and deletes it.
func Serve(ctx context.Context, params DeviceParams, options *Options) error {
	d, err := CreateAndServe(ctx, params, options)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	case <-d.Done():
		d.logger.Warn("queues exited without a shutdown request")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), constants.DeviceStartTimeout)
	defer cancel()
	return StopAndDelete(stopCtx, d)
}

// openQueues creates every queue worker; it does not start them.
func (d *Device) openQueues(ctx context.Context) error {
	d.queues = make([]queueRunner, 0, d.params.NumQueues)
	for q := 0; q < d.params.NumQueues; q++ {
		r, err := openQueue(ctx, queue.Config{
			DevID:     d.ID,
			QueueID:   uint16(q),
			Depth:     d.params.QueueDepth,
			MaxIOSize: d.params.MaxIOSize,
			Backend:   d.Backend,
			Observer:  d.observer,
			Logger:    d.logger,
		})
		if err != nil {
			d.closeQueues()
			e := WrapDeviceError("OPEN_QUEUE", d.ID, err)
			e.Queue = q
			return e
		}
		d.queues = append(d.queues, r)
	}
	return nil
}

// runQueues starts one goroutine per queue and waits until every queue
// has submitted its initial fetches.
func (d *Device) runQueues(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	primed := make(chan struct{}, len(d.queues))

	for i, r := range d.queues {
		i, r := i, r
		g.Go(func() error {
			err := r.Run(func() { primed <- struct{}{} })
			if err != nil {
				e := WrapDeviceError("SERVE_QUEUE", d.ID, err)
				e.Queue = i
				d.logger.WithQueue(i).Error("queue failed", "error", err)
				return e
			}
			return nil
		})
	}
	go func() {
		d.serveErr = g.Wait()
		close(d.done)
	}()

	for ready := 0; ready < len(d.queues); {
		select {
		case <-primed:
			ready++
		case <-gctx.Done():
			if err := ctx.Err(); err != nil {
				return WrapDeviceError("START_DEV", d.ID, err)
			}
			// A queue failed; the others stay parked on their fetches
			// until the kernel aborts them.
			_ = d.Kill()
			select {
			case <-d.done:
				return d.serveErr
			case <-time.After(constants.DeviceStartTimeout):
				return NewDeviceError("START_DEV", d.ID, ErrCodeTimeout, "queue failed during startup")
			}
		}
	}
	return nil
}

// waitLive polls the kernel until the device state is LIVE.
func (d *Device) waitLive(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := d.control.GetDeviceInfo(d.ID)
		if err == nil && info.Live() {
			break
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = fmt.Errorf("device state %d", info.State)
			}
			return fmt.Errorf("timeout waiting for device %d: %w", d.ID, err)
		}
		time.Sleep(constants.DevicePollingInterval)
	}

	if _, err := os.Stat(d.Path); err != nil {
		d.logger.Debug("block device node not present yet", "path", d.Path)
	}
	return nil
}

func (d *Device) runState() RunState {
	return RunState{
		DevID:         d.ID,
		NrHwQueues:    d.params.NumQueues,
		QueueDepth:    d.params.QueueDepth,
		MaxIOBufBytes: d.params.MaxIOSize,
		DevSize:       d.Backend.Size(),
		ServerPID:     os.Getpid(),
		Target: TargetInfo{
			Name:   constants.TargetName,
			Blocks: d.blocks,
		},
	}
}

// abandon deletes a device whose queues never ran.
func (d *Device) abandon(cause error) error {
	d.logger.Error("device setup failed", "error", cause)
	errs := []error{cause}
	if err := d.control.DeleteDevice(d.ID); err != nil {
		errs = append(errs, WrapDeviceError("DEL_DEV", d.ID, err))
	}
	d.control.Close()
	d.deleted.Store(true)
	return errors.Join(errs...)
}

// failStart tears down a device whose queues are already running.
func (d *Device) failStart(cause error) error {
	d.logger.Error("device start failed", "error", cause)
	ctx, cancel := context.WithTimeout(context.Background(), constants.DeviceStartTimeout)
	defer cancel()
	if err := StopAndDelete(ctx, d); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (d *Device) closeQueues() {
	for _, r := range d.queues {
		if err := r.Close(); err != nil {
			d.logger.Warn("failed to close queue", "error", err)
		}
	}
	d.queues = nil
}

// Kill asks the kernel to stop the device. Every queue observes an abort
// on its outstanding fetches and exits; Done is closed once all have.
// Kill is safe to call more than once and from any goroutine.
func (d *Device) Kill() error {
	d.killOnce.Do(func() {
		d.logger.Info("killing device")
		if err := d.control.StopDevice(d.ID); err != nil {
			d.killErr = WrapDeviceError("STOP_DEV", d.ID, err)
		}
	})
	return d.killErr
}

// Done is closed when every queue worker has returned.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until every queue worker has returned and reports the first
// queue failure.
func (d *Device) Wait() error {
	<-d.done
	return d.serveErr
}

// StopAndDelete kills the device, waits for its queues to drain and
// deletes it. If ctx expires first the device is deleted anyway and the
// queue resources are left to process exit.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}
	device.stopOnce.Do(func() { device.stopErr = device.stopAndDelete(ctx) })
	return device.stopErr
}

func (d *Device) stopAndDelete(ctx context.Context) error {
	var errs []error
	if err := d.Kill(); err != nil {
		errs = append(errs, err)
	}

	drained := false
	select {
	case <-d.done:
		drained = true
	case <-ctx.Done():
		errs = append(errs, &Error{
			Op: "STOP_DEV", DevID: d.ID, Queue: -1, Code: ErrCodeTimeout,
			Msg: "queues did not exit", Inner: ctx.Err(),
		})
	}

	d.metrics.Stop()
	d.logger.Info("device stopped", d.metrics.Snapshot().LogFields()...)

	if drained {
		d.closeQueues()
		if d.serveErr != nil {
			errs = append(errs, d.serveErr)
		}
	}

	if err := d.control.DeleteDevice(d.ID); err != nil {
		errs = append(errs, WrapDeviceError("DEL_DEV", d.ID, err))
	} else {
		d.logger.Info("device deleted")
	}
	d.deleted.Store(true)

	if d.runStatePath != "" {
		if err := os.Remove(d.runStatePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to remove run state", "error", err)
		}
	}
	d.control.Close()
	return errors.Join(errs...)
}

// DeviceState represents the current state of a ublk device
type DeviceState string

const (
	// DeviceStateCreated indicates the device has been created but not started
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning indicates the device is actively serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates the queues have exited or the device was deleted
	DeviceStateStopped DeviceState = "stopped"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil || d.deleted.Load() {
		return DeviceStateStopped
	}
	if !d.started.Load() {
		return DeviceStateCreated
	}
	select {
	case <-d.done:
		return DeviceStateStopped
	default:
		return DeviceStateRunning
	}
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	if d.Backend == nil {
		return 0
	}
	return d.Backend.Size()
}

// Metrics returns the live metrics of the device
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// DeviceInfo summarizes a device
type DeviceInfo struct {
	ID           uint32      `json:"id"`
	BlockPath    string      `json:"block_path"`
	CharPath     string      `json:"char_path"`
	State        DeviceState `json:"state"`
	NumQueues    int         `json:"num_queues"`
	QueueDepth   int         `json:"queue_depth"`
	MaxIOSize    int         `json:"max_io_size"`
	BlockSize    int         `json:"block_size"`
	Size         int64       `json:"size"`
	Blocks       int         `json:"blocks"`
	RunStatePath string      `json:"run_state_path,omitempty"`
}

// Info returns a summary of the device
func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		ID:           d.ID,
		BlockPath:    d.Path,
		CharPath:     d.CharPath,
		State:        d.State(),
		NumQueues:    d.params.NumQueues,
		QueueDepth:   d.params.QueueDepth,
		MaxIOSize:    d.params.MaxIOSize,
		BlockSize:    d.params.LogicalBlockSize,
		Size:         d.Size(),
		Blocks:       d.blocks,
		RunStatePath: d.runStatePath,
	}
}
