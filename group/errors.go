package group

import (
	"errors"
	"syscall"
)

// Errors crossing the group boundary are drawn from the POSIX errno family
// and travel as negated errnos when encoded into a status.
var (
	ErrAgain    error = syscall.EAGAIN
	ErrNotConn  error = syscall.ENOTCONN
	ErrNoData   error = syscall.ENODATA
	ErrCanceled error = syscall.ECANCELED
	ErrDeadlock error = syscall.EDEADLK
	ErrPerm     error = syscall.EPERM
	ErrMsgSize  error = syscall.EMSGSIZE
	ErrNoMem    error = syscall.ENOMEM
	ErrInval    error = syscall.EINVAL
)

// Errno maps an error to its negated errno form, 0 for nil. Errors outside
// the errno family map to -EINVAL.
func Errno(err error) int64 {
	if err == nil {
		return 0
	}

	var e syscall.Errno
	if errors.As(err, &e) {
		return -int64(e)
	}

	return -int64(syscall.EINVAL)
}

// StatusError converts a negative status back into its errno error. Returns
// nil for non-negative statuses.
func StatusError(status int64) error {
	if status >= 0 {
		return nil
	}

	return syscall.Errno(-status)
}

// Transient reports whether the error only reflects a momentary group state
// and the operation may be retried.
func Transient(err error) bool {
	return errors.Is(err, ErrAgain) || errors.Is(err, ErrNotConn)
}
