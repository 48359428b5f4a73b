// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines transport socket abstraction (NetConn) for compatibility
// with custom event loops, memory pools, and zero-copy pipelines.

package api

// NetConn abstracts a non-blocking full-duplex connection object
// that may or may not be backed by Go's net.Conn.
type NetConn interface {
	// Read reads into a preallocated buffer. It must not block.
	Read(p []byte) (n int, err error)

	// Write writes buffer contents into the connection. It must not block.
	Write(p []byte) (n int, err error)

	// Close releases the descriptor.
	Close() error

	// RawFD returns the underlying OS-level file descriptor
	RawFD() FD
}
