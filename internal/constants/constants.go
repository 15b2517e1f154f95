package constants

import "time"

// Default configuration constants
const (
	// QueueDepthPerWorker is multiplied by the queue count to get the default depth
	QueueDepthPerWorker = 64

	// MinQueues is the lower bound for the automatic queue count
	MinQueues = 2

	// DefaultMaxIOSize is the default maximum I/O size in bytes (1MB).
	// Every tag owns a buffer of this size.
	DefaultMaxIOSize = 1 << 20

	// MaxIOSize is the largest per-request buffer the driver accepts (32MB)
	MaxIOSize = 32 << 20

	// SectorSize is the kernel sector unit, independent of the logical block size
	SectorSize = 512

	// SectorShift is log2(SectorSize)
	SectorShift = 9

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// DefaultPhysicalBlockSize is the default physical block size in bytes
	DefaultPhysicalBlockSize = 4096

	// DefaultDiscardAlignment is the default discard alignment in bytes
	DefaultDiscardAlignment = 4096

	// DefaultDiscardGranularity is the default discard granularity in bytes
	DefaultDiscardGranularity = 4096

	// DefaultMaxDiscardSectors is the default maximum sectors per discard
	DefaultMaxDiscardSectors = 0xffffffff

	// DefaultMaxDiscardSegments is the default maximum segments per discard
	DefaultMaxDiscardSegments = 1

	// AutoAssignDeviceID indicates the kernel should auto-assign a device ID
	AutoAssignDeviceID = -1

	// MaxSegments bounds the number of backing segments in one address space
	MaxSegments = 100

	// DefaultSegmentSize is the host provider's default segment size (1GB)
	DefaultSegmentSize = 1 << 30

	// DefaultDeviceSize is used when no size is configured (2048MB)
	DefaultDeviceSize = 2048 << 20

	// TargetName is exported in the device run-state file
	TargetName = "ublk-vram"

	// DefaultRunDir is where run-state files are written for device tooling
	DefaultRunDir = "/run/ublksrvd"
)

// Timing constants for device lifecycle
const (
	// CharDeviceRetries bounds how many times a queue retries opening /dev/ublkcN
	CharDeviceRetries = 50

	// CharDeviceRetryInterval is the wait between open attempts
	CharDeviceRetryInterval = 100 * time.Millisecond

	// DevicePollingInterval is the interval to check for device readiness
	DevicePollingInterval = 10 * time.Millisecond

	// DeviceStartTimeout bounds the wait for /dev/ublkbN after START_DEV
	DeviceStartTimeout = 5 * time.Second
)

// Control ring sizing
const (
	// ControlRingEntries is the SQ size of the control ring
	ControlRingEntries = 32
)
