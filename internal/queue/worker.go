// Package queue serves one ublk hardware queue: a fixed set of per-tag tasks
// driven by completions from the queue's io_uring.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-vram/internal/constants"
	"github.com/ehrlich-b/go-ublk-vram/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-vram/internal/logging"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
	"github.com/ehrlich-b/go-ublk-vram/internal/uring"
	"github.com/ehrlich-b/go-ublk-vram/vmem"
)

// segmentLocator is implemented by backends composed of segments.
type segmentLocator interface {
	Locate(off int64) (*vmem.Segment, int64, bool)
}

// Config describes one queue of a device
type Config struct {
	DevID     uint32
	QueueID   uint16
	Depth     int
	MaxIOSize int
	Backend   interfaces.Backend
	Observer  interfaces.Observer // optional
	Logger    *logging.Logger     // optional
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if c.Depth <= 0 || c.Depth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return fmt.Errorf("queue depth %d out of range [1, %d]", c.Depth, uapi.UBLK_MAX_QUEUE_DEPTH)
	}
	if c.MaxIOSize <= 0 || c.MaxIOSize%constants.SectorSize != 0 || c.MaxIOSize > constants.MaxIOSize {
		return fmt.Errorf("invalid max IO size %d", c.MaxIOSize)
	}
	return nil
}

// Worker owns one queue: its char device fd, io_uring, descriptor mapping
// and one task per tag. All methods except Close must be called from the
// goroutine running Run.
type Worker struct {
	devID    uint32
	queueID  uint16
	size     int64
	backend  interfaces.Backend
	observer interfaces.Observer
	logger   *logging.Logger

	charFd int
	ring   uring.Ring
	descs  []byte // read-only descriptor array shared with the kernel
	bufs   []byte // depth * MaxIOSize data buffers
	mapped bool   // descs and bufs are mmap'd and must be unmapped

	tasks []ioTask
	live  int // tasks not yet aborted
}

// NewWorker opens /dev/ublkcN, creates the queue's io_uring and maps its
// descriptor array. The char device may appear shortly after ADD_DEV, so
// opening is retried until ctx is done or the retry budget runs out.
func NewWorker(ctx context.Context, config Config) (*Worker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := workerLogger(config)

	fd, err := openCharDevice(ctx, uapi.UblkDevicePath(config.DevID))
	if err != nil {
		return nil, err
	}
	logger.Debug("opened character device", "fd", fd)

	ring, err := uring.NewRing(uring.Config{
		Entries: uint32(config.Depth),
		FD:      int32(fd),
	})
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create io_uring: %w", err)
	}

	pageSize := os.Getpagesize()
	descs, err := unix.Mmap(fd,
		uapi.IODescOffset(config.QueueID, pageSize),
		uapi.IODescMapSize(config.Depth, pageSize),
		unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		ring.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("failed to mmap descriptor array: %w", err)
	}

	// Data buffers are plain anonymous memory; the kernel copies request
	// payloads in and out of them using the address passed with each command.
	bufs, err := unix.Mmap(-1, 0, config.Depth*config.MaxIOSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Munmap(descs)
		ring.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("failed to allocate I/O buffers: %w", err)
	}

	w := newWorker(config, ring, descs, bufs)
	w.charFd = fd
	w.mapped = true
	return w, nil
}

func newWorker(config Config, ring uring.Ring, descs, bufs []byte) *Worker {
	w := &Worker{
		devID:    config.DevID,
		queueID:  config.QueueID,
		size:     config.Backend.Size(),
		backend:  config.Backend,
		observer: config.Observer,
		logger:   workerLogger(config),
		charFd:   -1,
		ring:     ring,
		descs:    descs,
		bufs:     bufs,
		tasks:    make([]ioTask, config.Depth),
	}
	for i := range w.tasks {
		buf := bufs[i*config.MaxIOSize : (i+1)*config.MaxIOSize : (i+1)*config.MaxIOSize]
		w.tasks[i] = ioTask{
			tag:  uint16(i),
			buf:  buf,
			addr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		}
	}
	return w
}

func workerLogger(config Config) *logging.Logger {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return logger.WithDevice(int(config.DevID)).WithQueue(int(config.QueueID))
}

func openCharDevice(ctx context.Context, path string) (int, error) {
	for i := 0; ; i++ {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, nil
		}
		if !errors.Is(err, unix.ENOENT) {
			return -1, fmt.Errorf("failed to open %s: %w", path, err)
		}
		if i+1 >= constants.CharDeviceRetries {
			return -1, fmt.Errorf("character device did not appear: %s", path)
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(constants.CharDeviceRetryInterval):
		}
	}
}

// Run serves the queue until every tag has been aborted by the kernel.
//
// The kernel binds a queue to the thread that issued its first FETCH_REQ,
// so Run locks its goroutine to an OS thread and primes the queue there.
// ready is called once all FETCH_REQs are submitted; START_DEV must not be
// sent before every queue has reported ready.
func (w *Worker) Run(ready func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.prime(); err != nil {
		return err
	}
	w.logger.Debug("queue primed", "depth", len(w.tasks))
	if ready != nil {
		ready()
	}

	for w.live > 0 {
		if err := w.poll(); err != nil {
			return err
		}
	}

	w.logger.Debug("all tags aborted, queue stopped")
	return nil
}

// prime queues a FETCH_REQ for every tag and submits them in one batch.
func (w *Worker) prime() error {
	for i := range w.tasks {
		t := &w.tasks[i]
		op, cmd, userData := t.fetchCmd(w.queueID)
		if err := w.ring.PrepareIOCmd(op, cmd, userData); err != nil {
			return fmt.Errorf("queue %d: prepare FETCH_REQ[%d]: %w", w.queueID, t.tag, err)
		}
		t.state = TaskFetch
	}
	w.live = len(w.tasks)

	if _, err := w.ring.Submit(); err != nil {
		return fmt.Errorf("queue %d: submit FETCH_REQs: %w", w.queueID, err)
	}
	return nil
}

// poll waits for one batch of completions, resumes the matching tasks and
// leaves their follow-up commands queued for the next wait to submit.
func (w *Worker) poll() error {
	results, err := w.ring.WaitForCompletion(1)
	if err != nil {
		return fmt.Errorf("queue %d: wait for completions: %w", w.queueID, err)
	}
	if w.observer != nil {
		w.observer.ObserveBatch(w.queueID, len(results))
	}

	for _, res := range results {
		if err := w.complete(res); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) complete(res uring.Result) error {
	tag := int(res.UserData() & udTagMask)
	if tag >= len(w.tasks) {
		w.logger.Warn("completion for unknown tag", "tag", tag, "depth", len(w.tasks))
		return nil
	}

	t := &w.tasks[tag]
	if !t.awaiting() {
		w.logger.Debug("ignoring completion", "tag", tag, "state", t.state.String())
		return nil
	}

	switch v := res.Value(); {
	case v == uapi.UBLK_IO_RES_OK:
		t.state = TaskDispatch
		return w.serve(t)
	case v < 0:
		t.state = TaskAborted
		w.live--
		if v != uapi.UBLK_IO_RES_ABORT {
			w.logger.Warn("command failed, retiring tag", "tag", tag, "error", res.Error())
		}
		return nil
	default:
		return fmt.Errorf("queue %d tag %d: unexpected result %d", w.queueID, tag, v)
	}
}

// serve dispatches the tag's current command and queues its commit, which
// also fetches the tag's next command.
func (w *Worker) serve(t *ioTask) error {
	desc := uapi.IODescAt(w.descs, int(t.tag))
	req := resolve(desc, w.size)

	start := time.Now()
	result, err := dispatch(w.backend, req, t.buf)
	w.observe(req, err, time.Since(start))

	if err != nil {
		log := w.logger.WithRequest(t.tag, opName(req.op))
		if loc, ok := w.backend.(segmentLocator); ok {
			if seg, _, found := loc.Locate(req.offset); found {
				log = log.WithSegment(seg.Index())
			}
		}
		log.Warn("request failed",
			"offset", req.offset, "length", req.length, "result", result, "error", err)
	} else if w.logger.DebugEnabled() {
		w.logger.WithRequest(t.tag, opName(req.op)).Debug("request done",
			"offset", req.offset, "length", req.length)
	}

	op, cmd, userData := t.commitCmd(w.queueID, result)
	if err := w.ring.PrepareIOCmd(op, cmd, userData); err != nil {
		return fmt.Errorf("queue %d: prepare COMMIT_AND_FETCH_REQ[%d]: %w", w.queueID, t.tag, err)
	}
	t.state = TaskCommit
	return nil
}

func (w *Worker) observe(req request, err error, elapsed time.Duration) {
	if w.observer == nil {
		return
	}
	c := interfaces.Completion{
		Queue:   w.queueID,
		Op:      req.op,
		Bytes:   uint64(req.length),
		Latency: elapsed,
		Fault:   classify(err),
	}
	if req.op == uapi.UBLK_IO_OP_READ || req.op == uapi.UBLK_IO_OP_WRITE {
		c.Segments = segmentsSpanned(w.backend, req.offset, req.length)
	}
	w.observer.ObserveCompletion(c)
}

// QueueID returns the hardware queue served by w.
func (w *Worker) QueueID() uint16 { return w.queueID }

// Close releases the ring, the mappings and the char device. It must only
// be called after Run has returned or when Run was never started.
func (w *Worker) Close() error {
	var errs []error
	if w.ring != nil {
		errs = append(errs, w.ring.Close())
		w.ring = nil
	}
	if w.mapped {
		errs = append(errs, unix.Munmap(w.descs), unix.Munmap(w.bufs))
		w.mapped = false
	}
	w.descs, w.bufs = nil, nil
	if w.charFd >= 0 {
		errs = append(errs, unix.Close(w.charFd))
		w.charFd = -1
	}
	return errors.Join(errs...)
}
