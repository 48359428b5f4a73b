// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-syscall socket operations with classified outcomes.

package socket

import (
	"errors"
	"io"

	"github.com/momentics/hioload-conn/api"
)

// Status classifies the outcome of one socket operation.
type Status uint8

const (
	// WouldBlock means nothing was transferred; wait for the next readiness event.
	WouldBlock Status = iota
	// Complete means N > 0 bytes were transferred.
	Complete
	// Disconnect means the peer closed or reset the connection. It is terminal.
	Disconnect
)

func (s Status) String() string {
	switch s {
	case WouldBlock:
		return "would_block"
	case Complete:
		return "complete"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of Read or Write.
// Err is set for a Disconnect caused by an OS error other than orderly close
// and is informational only; the caller treats it as Disconnect.
type Result struct {
	Status Status
	N      int
	Err    error
}

// Handle performs exactly one read or write per call on a non-blocking
// connection. It never retries; retry-on-readiness is the caller's job.
type Handle struct {
	conn api.NetConn
}

// NewHandle wraps a non-blocking connection.
func NewHandle(c api.NetConn) *Handle {
	return &Handle{conn: c}
}

// Conn returns the wrapped connection.
func (h *Handle) Conn() api.NetConn { return h.conn }

// FD returns the descriptor of the wrapped connection.
func (h *Handle) FD() api.FD { return h.conn.RawFD() }

// Read attempts one read into p.
func (h *Handle) Read(p []byte) Result {
	if len(p) == 0 {
		return Result{Status: WouldBlock}
	}
	n, err := h.conn.Read(p)
	return classify("read", n, err, true)
}

// Write attempts one write of p.
func (h *Handle) Write(p []byte) Result {
	if len(p) == 0 {
		return Result{Status: WouldBlock}
	}
	n, err := h.conn.Write(p)
	return classify("write", n, err, false)
}

// Close closes the wrapped connection.
func (h *Handle) Close() error {
	return h.conn.Close()
}

func classify(op string, n int, err error, read bool) Result {
	if n > 0 {
		// Bytes moved; any accompanying error surfaces on the next call.
		return Result{Status: Complete, N: n}
	}
	switch {
	case err == nil:
		if read {
			return Result{Status: Disconnect}
		}
		return Result{Status: WouldBlock}
	case isWouldBlock(err):
		return Result{Status: WouldBlock}
	case errors.Is(err, io.EOF):
		return Result{Status: Disconnect}
	default:
		return Result{Status: Disconnect, Err: api.SocketError(op, err)}
	}
}
