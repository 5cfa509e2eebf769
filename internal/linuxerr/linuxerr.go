// Package linuxerr defines the errors returned across the syscall boundary.
// Every sentinel is a unix.Errno so callers can compare with errors.Is and the
// boundary can hand the raw number back to user space.
package linuxerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors for error inspection with errors.Is.
var (
	// ErrInvalidArgument reports a malformed flag combination or a request
	// that cannot be satisfied by the caller's relationships.
	ErrInvalidArgument error = unix.EINVAL
	// ErrBadAddress reports a user pointer that could not be read or written.
	ErrBadAddress error = unix.EFAULT
	// ErrNoSuchEntity reports a lookup that found no live handle.
	ErrNoSuchEntity error = unix.ESRCH
	// ErrResourceExhausted reports an allocation failure, usually while
	// cloning an address space.
	ErrResourceExhausted error = unix.ENOMEM
	// ErrPermissionDenied reports a broken internal invariant surfaced to
	// the caller instead of crashing the kernel.
	ErrPermissionDenied error = unix.EPERM
	// ErrNoChild is returned by wait4 when no child matches.
	ErrNoChild error = unix.ECHILD
	// ErrWouldBlock is returned by non-blocking or unsupported requests.
	ErrWouldBlock error = unix.EAGAIN
	// ErrInterrupted is returned when a blocking call is cut short by a signal.
	ErrInterrupted error = unix.EINTR
	// ErrNotFound is returned when a program path cannot be resolved.
	ErrNotFound error = unix.ENOENT
	// ErrTimedOut is returned when a bounded wait expires.
	ErrTimedOut error = unix.ETIMEDOUT
	// ErrBadFD is returned for a descriptor that is not open.
	ErrBadFD error = unix.EBADF
	// ErrTooManyFiles is returned when a descriptor table is full.
	ErrTooManyFiles error = unix.EMFILE
)

// ToErrno maps err to the errno a syscall boundary would return. A nil error
// maps to 0 and errors that carry no errno map to EINVAL.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// Return converts a syscall result into the raw value written to the user
// return register: the result itself, or the negated errno on failure.
func Return(val int64, err error) int64 {
	if err != nil {
		return -int64(ToErrno(err))
	}
	return val
}
