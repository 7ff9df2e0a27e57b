// Package sys provides thin, typed wrappers over the POSIX process and
// descriptor primitives the supervisor is built on.
//
// Every wrapper returns an *OsError carrying the failing operation and the
// platform errno. Calls that return a descriptor guarantee it is open,
// close-on-exec, and owned by the caller.
package sys

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrBadArgument is returned when an argv or env string contains a NUL byte
// and cannot be passed to execve.
var ErrBadArgument = errors.New("bad argument")

// OsError is a failed system call.
type OsError struct {
	Op    string
	Errno unix.Errno
}

func (e *OsError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

// Unwrap exposes the errno so callers can use errors.Is(err, unix.EINTR).
func (e *OsError) Unwrap() error {
	return e.Errno
}

// wrap converts an error returned by x/sys/unix into an *OsError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &OsError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsInterrupted reports whether err is an interrupted system call.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// IsWouldBlock reports whether err is EAGAIN on a non-blocking descriptor.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// Errno extracts the errno from err, or 0 if err does not carry one.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
