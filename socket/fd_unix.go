//go:build unix

// File: socket/fd_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw descriptor connection for reactor-driven sockets.

package socket

import (
	"fmt"

	"github.com/momentics/hioload-conn/api"
	"golang.org/x/sys/unix"
)

// FD is an api.NetConn over a raw non-blocking socket descriptor.
type FD int

var _ api.NetConn = FD(0)

// NewFD switches fd to non-blocking mode and wraps it.
func NewFD(fd int) (FD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, fmt.Errorf("set nonblock fd=%d: %w", fd, err)
	}
	return FD(fd), nil
}

// Read implements api.NetConn.
func (f FD) Read(p []byte) (int, error) {
	n, err := unix.Read(int(f), p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write implements api.NetConn. MSG_NOSIGNAL keeps a closed peer from raising SIGPIPE.
func (f FD) Write(p []byte) (int, error) {
	n, err := unix.SendmsgN(int(f), p, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close implements api.NetConn.
func (f FD) Close() error {
	return unix.Close(int(f))
}

// RawFD implements api.NetConn.
func (f FD) RawFD() api.FD { return int(f) }
