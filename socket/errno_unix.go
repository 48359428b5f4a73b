//go:build unix

package socket

import (
	"errors"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// EINTR counts as would-block: the reactor re-delivers level-triggered readiness.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, iox.ErrWouldBlock)
}

// IsReset reports whether err is a connection reset or broken pipe, the
// ordinary ways a peer vanishes mid-stream.
func IsReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}
