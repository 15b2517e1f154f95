package ublk

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-ublk-vram/vmem"
)

// Error represents a structured ublk error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "ADD_DEV", "START_DEV")
	DevID uint32        // Device ID (0 if not applicable)
	Queue int           // Queue number (-1 if not applicable)
	Code  UblkErrorCode // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ublk: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "ublk: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ue, ok := target.(UblkError); ok {
		return e.Code == UblkErrorCode(ue)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// UblkErrorCode represents high-level error categories
type UblkErrorCode string

const (
	ErrCodeDeviceNotFound     UblkErrorCode = "device not found"
	ErrCodeDeviceBusy         UblkErrorCode = "device busy"
	ErrCodeInvalidParameters  UblkErrorCode = "invalid parameters"
	ErrCodeKernelNotSupported UblkErrorCode = "kernel does not support ublk"
	ErrCodePermissionDenied   UblkErrorCode = "permission denied"
	ErrCodeInsufficientMemory UblkErrorCode = "insufficient memory"
	ErrCodeIOError            UblkErrorCode = "I/O error"
	ErrCodeTimeout            UblkErrorCode = "timeout"
	ErrCodeDeviceOffline      UblkErrorCode = "device offline"
	ErrCodeOutOfRange         UblkErrorCode = "access out of range"
	ErrCodeSegmentFault       UblkErrorCode = "segment fault"
	ErrCodeNoSegments         UblkErrorCode = "no backing segments"
)

// UblkError is a sentinel matched by code through errors.Is
type UblkError string

func (e UblkError) Error() string {
	return "ublk: " + string(e)
}

// Sentinel errors, one per error code
const (
	ErrDeviceNotFound     UblkError = UblkError(ErrCodeDeviceNotFound)
	ErrDeviceBusy         UblkError = UblkError(ErrCodeDeviceBusy)
	ErrInvalidParameters  UblkError = UblkError(ErrCodeInvalidParameters)
	ErrKernelNotSupported UblkError = UblkError(ErrCodeKernelNotSupported)
	ErrPermissionDenied   UblkError = UblkError(ErrCodePermissionDenied)
	ErrInsufficientMemory UblkError = UblkError(ErrCodeInsufficientMemory)
	ErrTimeout            UblkError = UblkError(ErrCodeTimeout)
	ErrDeviceOffline      UblkError = UblkError(ErrCodeDeviceOffline)
	ErrOutOfRange         UblkError = UblkError(ErrCodeOutOfRange)
	ErrSegmentFault       UblkError = UblkError(ErrCodeSegmentFault)
	ErrNoSegments         UblkError = UblkError(ErrCodeNoSegments)
)

// NewError creates a new structured error
func NewError(op string, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code UblkErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, devID uint32, queue int, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with ublk context. Kernel errnos and
// address-space errors anywhere in the chain select the error code.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ue *Error
	if errors.As(inner, &ue) {
		wrapped := *ue
		wrapped.Op = op
		return &wrapped
	}

	e := &Error{
		Op:    op,
		Queue: -1,
		Code:  codeOf(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// WrapDeviceError wraps inner with the device it concerns
func WrapDeviceError(op string, devID uint32, inner error) *Error {
	e := WrapError(op, inner)
	if e != nil {
		e.DevID = devID
	}
	return e
}

func codeOf(err error) UblkErrorCode {
	switch {
	case errors.Is(err, vmem.ErrNoSegments):
		return ErrCodeNoSegments
	case errors.Is(err, vmem.ErrOutOfRange):
		return ErrCodeOutOfRange
	case errors.Is(err, vmem.ErrSegmentFault):
		return ErrCodeSegmentFault
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return mapErrnoToCode(errno)
	}
	return ErrCodeIOError
}

// mapErrnoToCode maps syscall errno to ublk error codes
func mapErrnoToCode(errno syscall.Errno) UblkErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY, syscall.EEXIST:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code UblkErrorCode) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Errno == errno
	}
	return false
}
