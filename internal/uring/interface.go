// Package uring provides the io_uring submission path used by ublk: 128-byte
// SQEs carrying URING_CMD payloads and batched completion harvesting.
package uring

import (
	"syscall"

	"github.com/ehrlich-b/go-ublk-vram/internal/logging"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

// Ring provides the interface for io_uring operations needed by ublk
type Ring interface {
	// Close closes the ring and releases resources
	Close() error

	// SubmitCtrlCmd submits a control command and waits for its completion
	SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error)

	// PrepareIOCmd queues an I/O command without entering the kernel
	PrepareIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error

	// Submit hands every queued command to the kernel
	Submit() (int, error)

	// WaitForCompletion submits queued commands, blocks until at least
	// minComplete completions are available and returns all of them
	WaitForCompletion(minComplete int) ([]Result, error)
}

// Result represents the result of an operation
type Result interface {
	// UserData returns the user data associated with this result
	UserData() uint64

	// Value returns the result value (0 or positive for success, negative errno)
	Value() int32

	// Error returns an error if the operation failed
	Error() error
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of SQ entries
	FD      int32  // File descriptor commands are issued against
	Flags   uint32 // Additional IORING_SETUP_* flags
}

// NewRing creates a ring whose commands target config.FD
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries, "fd", config.FD)

	ring, err := newCmdRing(config)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Debug("created io_uring", "entries", ring.sqEntries, "fd", config.FD)
	return ring, nil
}

type result struct {
	userData uint64
	value    int32
}

func (r result) UserData() uint64 { return r.userData }
func (r result) Value() int32     { return r.value }

func (r result) Error() error {
	if r.value < 0 {
		return syscall.Errno(-r.value)
	}
	return nil
}

// NewResult builds a Result, for ring implementations outside this package
func NewResult(userData uint64, value int32) Result {
	return result{userData: userData, value: value}
}
