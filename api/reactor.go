// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Readiness registration capability consumed by the connection core.
// The core never polls descriptors itself; it only adds and removes interest
// through this interface and expects the reactor to call back by token.

package api

// FD is the platform descriptor used as the registration key.
type FD = int

// Token is the opaque index the reactor echoes back on readiness so the
// dispatcher can locate the owning connection.
type Token = int

// Reactor is the add/remove reader/writer capability of an external readiness engine.
// A single Reactor is shared by reference across all connections for the lifetime
// of the server.
type Reactor interface {
	// AddReader starts watching fd for read readiness; events carry token.
	AddReader(fd FD, token Token) error

	// RemoveReader stops watching fd for read readiness.
	RemoveReader(fd FD) error

	// AddWriter starts watching fd for write readiness; events carry token.
	AddWriter(fd FD, token Token) error

	// RemoveWriter stops watching fd for write readiness.
	RemoveWriter(fd FD) error
}

// Dispatcher receives readiness callbacks from a reactor.
type Dispatcher interface {
	PollRead(token Token)
	PollWrite(token Token)
}
