//go:build !linux

// File: server/listener_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub listener for unsupported platforms.

package server

import (
	"net"

	"github.com/momentics/hioload-conn/api"
)

func listen(string, int) (int, error) { return -1, api.ErrNotSupported }
func localAddr(int) (net.Addr, error) { return nil, api.ErrNotSupported }
func accept(int) (api.NetConn, error) { return nil, api.ErrNotSupported }
func closeFD(int) error               { return nil }
func isAcceptDrained(err error) bool  { return true }
func isAcceptRetry(error) bool        { return false }
func isAcceptExhausted(error) bool    { return false }
