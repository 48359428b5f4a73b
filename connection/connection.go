// File: connection/connection.go
// Package connection composes the registration handle, socket, buffered
// transport and protocol state machine into a reusable connection object
// driven by reactor readiness callbacks.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection

import (
	"errors"
	"time"

	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/reactor"
	"github.com/momentics/hioload-conn/socket"
	"github.com/momentics/hioload-conn/transport"
	"go.uber.org/zap"
)

// Observer receives per-connection I/O accounting.
type Observer interface {
	BytesRead(n int)
	BytesWritten(n int)
	Switched(from, to protocol.Kind)
	Closed(reason string)
}

type nopObserver struct{}

func (nopObserver) BytesRead(int)                         {}
func (nopObserver) BytesWritten(int)                      {}
func (nopObserver) Switched(protocol.Kind, protocol.Kind) {}
func (nopObserver) Closed(string)                         {}

// Close reasons reported to the Observer.
const (
	ReasonPeerRead  = "peer_read"
	ReasonPeerWrite = "peer_write"
	ReasonProtocol  = "protocol"
	ReasonError     = "error"
)

// Options configures a Connection.
type Options struct {
	Transport transport.Config
	Protocol  protocol.Config
	Registry  protocol.Registry
	Logger    *zap.Logger
	Observer  Observer
	Now       func() time.Time
}

// Connection is one pooled connection slot. It is driven exclusively from
// the reactor goroutine: PollRead and PollWrite are never concurrent.
//
// Invariant: when idle is true no reader or writer interest is registered.
type Connection struct {
	handle *reactor.Handle
	sock   *socket.Handle
	tr     *transport.Transport
	proto  *protocol.StateMachine
	idle   bool

	log        *zap.Logger
	obs        Observer
	now        func() time.Time
	lastActive time.Time
}

// New creates a connection bound to nc and registered on r under token, and
// starts watching it for input.
func New(r api.Reactor, nc api.NetConn, token api.Token, opts Options) (*Connection, error) {
	sm, err := protocol.New(opts.Protocol, opts.Registry)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := reactor.NewHandle(r, nc.RawFD(), token)
	c := &Connection{
		handle: h,
		sock:   socket.NewHandle(nc),
		tr:     transport.New(h, opts.Transport),
		proto:  sm,
		log:    opts.Logger,
		obs:    opts.Observer,
		now:    opts.Now,
	}
	sm.OnSwitch(c.switched)
	if err := sm.NewConnection(c.tr); err != nil {
		return nil, err
	}
	if err := c.tr.ResumeReading(); err != nil {
		return nil, err
	}
	c.lastActive = c.now()
	return c, nil
}

// Bind rebinds a shut-down connection to a freshly accepted socket and
// reinitializes protocol state, reusing buffers and protocol variants.
func (c *Connection) Bind(nc api.NetConn, r api.Reactor) error {
	if c.handle.IsReading() || c.handle.IsWriting() {
		return api.NewError(api.ErrCodeInternal, "bind on a connection with live registrations").
			WithContext("fd", c.handle.FD())
	}
	c.handle.Rebind(r, nc.RawFD(), c.handle.Token())
	c.sock = socket.NewHandle(nc)
	c.tr.Reset(c.handle)
	if err := c.proto.NewConnection(c.tr); err != nil {
		return err
	}
	if err := c.tr.ResumeReading(); err != nil {
		return err
	}
	c.idle = false
	c.lastActive = c.now()
	return nil
}

// PollRead handles a read readiness event.
func (c *Connection) PollRead() error {
	if c.idle {
		return nil
	}
	buf, err := c.proto.ReadBufferAcquire()
	if err != nil {
		return c.abort(ReasonProtocol, err)
	}

	res := c.sock.Read(buf)
	switch res.Status {
	case socket.WouldBlock:
		return nil
	case socket.Disconnect:
		return c.lost(ReasonPeerRead, res.Err)
	}

	c.lastActive = c.now()
	c.obs.BytesRead(res.N)
	if err := c.proto.ReadBufferFilled(res.N); err != nil {
		return c.abort(ReasonProtocol, err)
	}
	if err := c.proto.MaybeSwitch(); err != nil {
		return c.abort(ReasonProtocol, err)
	}
	return c.finish()
}

// PollWrite handles a write readiness event.
func (c *Connection) PollWrite() error {
	if c.idle {
		return nil
	}
	buf := c.proto.WriteBufferAcquire()

	res := c.sock.Write(buf)
	switch res.Status {
	case socket.WouldBlock:
		if len(buf) == 0 {
			// Spurious writability with nothing queued.
			if err := c.proto.WriteBufferDrained(0); err != nil {
				return c.abort(ReasonError, err)
			}
			return c.finish()
		}
		return nil
	case socket.Disconnect:
		return c.lost(ReasonPeerWrite, res.Err)
	}

	c.lastActive = c.now()
	c.obs.BytesWritten(res.N)
	if err := c.proto.WriteBufferDrained(res.N); err != nil {
		return c.abort(ReasonProtocol, err)
	}
	// Draining may release pipelined input that completes an upgrade.
	if err := c.proto.MaybeSwitch(); err != nil {
		return c.abort(ReasonProtocol, err)
	}
	return c.finish()
}

// Shutdown removes every registered interest. It is the only cancellation
// primitive and leaves the connection safe to rebind.
func (c *Connection) Shutdown() error {
	var errs []error
	if c.handle.IsReading() {
		if err := c.handle.PauseReading(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.handle.IsWriting() {
		if err := c.handle.PauseWriting(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts the connection down, marks it idle and closes the socket.
func (c *Connection) Close() error {
	c.proto.LostConnection()
	c.idle = true
	return errors.Join(c.Shutdown(), c.sock.Close())
}

// Release drops pooled buffers. The connection must not be used afterwards.
func (c *Connection) Release() { c.tr.Release() }

// Idle reports whether the connection has finished and awaits recycling.
func (c *Connection) Idle() bool { return c.idle }

// Token returns the reactor token of this slot.
func (c *Connection) Token() api.Token { return c.handle.Token() }

// FD returns the bound descriptor.
func (c *Connection) FD() api.FD { return c.handle.FD() }

// Conn returns the bound socket.
func (c *Connection) Conn() api.NetConn { return c.sock.Conn() }

// Protocol returns the active protocol kind.
func (c *Connection) Protocol() protocol.Kind { return c.proto.Active() }

// LastActive returns the time of the last transferred byte.
func (c *Connection) LastActive() time.Time { return c.lastActive }

// Handle exposes the registration handle.
func (c *Connection) Handle() *reactor.Handle { return c.handle }

// Transport exposes the buffered transport.
func (c *Connection) Transport() *transport.Transport { return c.tr }

// finish completes a graceful close requested by the protocol.
func (c *Connection) finish() error {
	if !c.tr.Done() {
		return nil
	}
	c.idle = true
	c.obs.Closed(ReasonProtocol)
	c.log.Debug("connection closed by protocol", zap.Int("fd", c.FD()), zap.Int("token", c.Token()))
	return c.Shutdown()
}

// lost handles a peer disconnect on either direction.
func (c *Connection) lost(reason string, cause error) error {
	c.proto.LostConnection()
	c.idle = true
	c.obs.Closed(reason)
	if cause != nil {
		c.log.Debug("peer disconnected", zap.Int("fd", c.FD()), zap.String("side", reason), zap.Error(cause))
	}
	return c.Shutdown()
}

// abort converts a propagated error into a deterministic shutdown and
// returns it to the dispatcher.
func (c *Connection) abort(reason string, err error) error {
	c.proto.LostConnection()
	c.idle = true
	c.obs.Closed(reason)
	return errors.Join(err, c.Shutdown())
}

func (c *Connection) switched(from, to protocol.Kind) {
	c.obs.Switched(from, to)
	c.log.Debug("protocol switched",
		zap.Int("fd", c.FD()),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}
