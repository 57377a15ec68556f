package pata

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured driver error with device context and errno
// mapping for the syscall layer above.
type Error struct {
	Op    string        // Operation that failed (e.g., "READ", "WRITE")
	Major int           // Device major number (0 if not applicable)
	Minor int           // Device minor number
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if e.Op != "" {
		return fmt.Sprintf("pata: %s (op=%s, dev=%d:%d)", msg, e.Op, e.Major, e.Minor)
	}

	return fmt.Sprintf("pata: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for DiskError compatibility
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	// Support sentinel DiskError comparison
	if de, ok := target.(DiskError); ok {
		return e.Code == ErrorCode(de)
	}

	// Support structured Error comparison
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInterrupted       ErrorCode = "interrupted"
	ErrCodeIO                ErrorCode = "I/O error"
	ErrCodeBadAddress        ErrorCode = "bad address"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
)

// Errno returns the kernel errno a category maps to, for callers that
// surface POSIX-style results.
func (c ErrorCode) Errno() syscall.Errno {
	switch c {
	case ErrCodeInterrupted:
		return syscall.EINTR
	case ErrCodeBadAddress:
		return syscall.EFAULT
	case ErrCodeInvalidParameters:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// DiskError is the sentinel error type, usable with errors.Is against
// structured *Error values
type DiskError string

func (e DiskError) Error() string {
	return "pata: " + string(e)
}

// Sentinel error constants
const (
	ErrInterrupted       DiskError = "interrupted"
	ErrIO                DiskError = "I/O error"
	ErrBadAddress        DiskError = "bad address"
	ErrInvalidParameters DiskError = "invalid parameters"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: code.Errno(),
		Msg:   msg,
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, major, minor int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Major: major,
		Minor: minor,
		Code:  code,
		Errno: code.Errno(),
		Msg:   msg,
	}
}

// WrapError wraps an existing error with driver context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Major: de.Major,
			Minor: de.Minor,
			Code:  de.Code,
			Errno: de.Errno,
			Msg:   de.Msg,
			Inner: de.Inner,
		}
	}

	// Map common syscall errors to driver error codes
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIO,
		Errno: syscall.EIO,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to driver error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINTR:
		return ErrCodeInterrupted
	case syscall.EFAULT:
		return ErrCodeBadAddress
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	default:
		return ErrCodeIO
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var diskErr *Error
	if errors.As(err, &diskErr) {
		return diskErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var diskErr *Error
	if errors.As(err, &diskErr) {
		return diskErr.Errno == errno
	}
	return false
}
