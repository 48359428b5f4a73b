// File: server/server.go
// Package server runs the connection pool on a single epoll reactor: it
// accepts sockets, dispatches readiness to pooled connections by token and
// recycles connections once they go idle.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/momentics/hioload-conn/affinity"
	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/connection"
	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/protocol/h1"
	"github.com/momentics/hioload-conn/protocol/websocket"
	"github.com/momentics/hioload-conn/reactor"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// listenerToken is reserved; connection slot i carries token i+1.
const listenerToken api.Token = 0

// Close reasons reported by the server itself.
const (
	ReasonKeepAlive = "keep_alive"
	ReasonPanic     = "panic"
	ReasonShutdown  = "shutdown"
)

// Server owns the listener, the reactor and the connection slots. Everything
// except Len and Addr runs on the goroutine that called Run.
type Server struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics
	opts    connection.Options

	lfd  int
	addr net.Addr

	ep     *reactor.Epoll
	slots  []*connection.Connection
	free   []api.Token
	pooled int
	live   atomic.Int64

	acceptPaused bool
	acceptAt     time.Time
	retry        backoff.Backoff
	lastSweep    time.Time

	running atomic.Bool
}

var _ api.Dispatcher = (*Server)(nil)

// New builds a server serving HTTP/1.1 through handler and, when enabled,
// WebSocket messages through ws.
func New(cfg *Config, handler http.Handler, ws websocket.Handler, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	for _, o := range opts {
		o(&c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	kind, _ := protocol.ParseKind(c.DefaultProtocol)

	reg := protocol.Registry{
		protocol.KindH1: h1.Factory(h1.Config{
			Handler:         handler,
			EnableWebSocket: c.EnableWebSocket,
			CheckUpgrade:    c.CheckUpgrade,
			MaxHeaderBytes:  c.MaxHeaderBytes,
			MaxBodyBytes:    c.MaxBodyBytes,
			ServerName:      c.ServerName,
		}),
	}
	if c.EnableWebSocket {
		reg[protocol.KindWebSocket] = websocket.Factory(websocket.Config{
			Handler:    ws,
			MaxFrame:   c.MaxFrame,
			MaxMessage: c.MaxMessage,
		})
	}

	s := &Server{
		cfg:     c,
		log:     c.Logger.Named("server"),
		metrics: newMetrics(c.Registerer),
		lfd:     -1,
		retry: backoff.Backoff{
			Factor: 2,
			Jitter: true,
			Min:    10 * time.Millisecond,
			Max:    time.Second,
		},
	}
	s.opts = connection.Options{
		Transport: c.Transport,
		Protocol:  protocol.Config{Default: kind},
		Registry:  reg,
		Logger:    c.Logger.Named("conn"),
		Observer:  s.metrics,
	}
	return s, nil
}

// Listen binds the listening socket. Run calls it when needed; calling it
// first lets the caller learn the bound address.
func (s *Server) Listen() error {
	if s.lfd >= 0 {
		return nil
	}
	fd, err := listen(s.cfg.Addr, s.cfg.Backlog)
	if err != nil {
		return api.SocketError("listen", err).WithContext("addr", s.cfg.Addr)
	}
	s.lfd = fd
	if s.addr, err = localAddr(fd); err != nil {
		s.log.Warn("cannot resolve bound address", zap.Error(err))
		s.log.Info("listening", zap.String("addr", s.cfg.Addr))
		return nil
	}
	s.log.Info("listening", zap.String("addr", s.cfg.Addr), zap.Stringer("bound", s.addr))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr { return s.addr }

// Len returns the number of live connections.
func (s *Server) Len() int { return int(s.live.Load()) }

// Run serves until ctx is cancelled, then closes every connection and the
// listener.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return api.NewError(api.ErrCodeInternal, "server already running")
	}
	defer s.running.Store(false)

	if s.cfg.CPUAffinity {
		release, err := affinity.Pin(s.cfg.CPU)
		defer release()
		if err != nil {
			s.log.Warn("cpu affinity not applied", zap.Int("cpu", s.cfg.CPU), zap.Error(err))
		}
	}

	if err := s.Listen(); err != nil {
		return err
	}
	ep, err := reactor.NewEpoll()
	if err != nil {
		_ = closeFD(s.lfd)
		s.lfd = -1
		return err
	}
	ep.OnPanic = s.recoverPanic
	s.ep = ep
	if err := ep.AddReader(s.lfd, listenerToken); err != nil {
		return errors.Join(api.RegistrationError("add_reader", s.lfd, err), s.teardown())
	}

	stop := context.AfterFunc(ctx, func() { _ = ep.Wake() })
	defer stop()

	timeout := int(s.cfg.PollTimeout / time.Millisecond)
	s.lastSweep = time.Now()
	var runErr error
	for ctx.Err() == nil {
		if _, err := ep.Wait(timeout, s); err != nil {
			runErr = err
			break
		}
		now := time.Now()
		s.rearmAccept(now)
		s.sweep(now)
	}
	s.log.Info("stopping", zap.Int("live", s.Len()))
	return errors.Join(runErr, s.teardown())
}

// PollRead implements api.Dispatcher.
func (s *Server) PollRead(token api.Token) {
	if token == listenerToken {
		s.acceptAll()
		return
	}
	if c := s.conn(token); c != nil {
		s.settle(c, c.PollRead())
	}
}

// PollWrite implements api.Dispatcher.
func (s *Server) PollWrite(token api.Token) {
	if c := s.conn(token); c != nil {
		s.settle(c, c.PollWrite())
	}
}

func (s *Server) conn(token api.Token) *connection.Connection {
	i := token - 1
	if i < 0 || i >= len(s.slots) {
		return nil
	}
	c := s.slots[i]
	if c == nil || c.Idle() {
		return nil
	}
	return c
}

func (s *Server) settle(c *connection.Connection, err error) {
	if err != nil {
		s.log.Warn("connection failed",
			zap.Int("token", c.Token()),
			zap.Int("fd", c.FD()),
			zap.Error(err))
	}
	if c.Idle() {
		s.recycle(c)
	}
}

func (s *Server) acceptAll() {
	for {
		nc, err := accept(s.lfd)
		switch {
		case err == nil:
			s.retry.Reset()
			s.admit(nc)
		case isAcceptDrained(err):
			return
		case isAcceptRetry(err):
			continue
		default:
			if !isAcceptExhausted(err) {
				s.log.Error("accept failed", zap.Error(err))
			}
			s.pauseAccept(err)
			return
		}
	}
}

func (s *Server) admit(nc api.NetConn) {
	if s.cfg.MaxConnections > 0 && s.Len() >= s.cfg.MaxConnections {
		s.metrics.rejected.Inc()
		_ = nc.Close()
		s.log.Debug("connection limit reached", zap.Int("limit", s.cfg.MaxConnections))
		return
	}

	token, c := s.slot()
	var err error
	if c != nil {
		s.pooled--
		s.metrics.pooled.Dec()
		err = c.Bind(nc, s.ep)
	} else {
		c, err = connection.New(s.ep, nc, token, s.opts)
	}
	if err != nil {
		s.log.Warn("connection setup failed", zap.Int("fd", nc.RawFD()), zap.Error(err))
		if c != nil {
			_ = c.Close()
			s.ep.Forget(nc.RawFD())
			c.Release()
		} else {
			_ = nc.Close()
		}
		s.slots[token-1] = nil
		s.free = append(s.free, token)
		return
	}
	s.slots[token-1] = c
	s.metrics.accepted.Inc()
	s.metrics.active.Inc()
	s.live.Add(1)
}

// slot pops a free token, returning its pooled connection if one was kept.
func (s *Server) slot() (api.Token, *connection.Connection) {
	if n := len(s.free); n > 0 {
		token := s.free[n-1]
		s.free = s.free[:n-1]
		return token, s.slots[token-1]
	}
	s.slots = append(s.slots, nil)
	return api.Token(len(s.slots)), nil
}

// recycle closes an idle connection's socket and returns its slot to the
// free list. At most IdleMax slots keep their connection for Bind.
func (s *Server) recycle(c *connection.Connection) {
	fd := c.FD()
	if err := c.Close(); err != nil {
		s.log.Debug("close", zap.Int("fd", fd), zap.Error(err))
	}
	token := c.Token()
	h := c.Handle()
	if h.IsReading() || h.IsWriting() {
		// Removal failed; the slot cannot be rebound safely.
		s.ep.Forget(fd)
		c.Release()
		s.slots[token-1] = nil
	} else if s.pooled < s.cfg.IdleMax {
		s.pooled++
		s.metrics.pooled.Inc()
	} else {
		c.Release()
		s.slots[token-1] = nil
	}
	s.free = append(s.free, token)
	s.metrics.active.Dec()
	s.live.Add(-1)
}

func (s *Server) pauseAccept(cause error) {
	if err := s.ep.RemoveReader(s.lfd); err != nil {
		s.log.Error("cannot pause accept", zap.Error(err))
	}
	d := s.retry.Duration()
	s.acceptPaused = true
	s.acceptAt = time.Now().Add(d)
	s.log.Warn("accept paused", zap.Error(cause), zap.Duration("retry_in", d))
}

func (s *Server) rearmAccept(now time.Time) {
	if !s.acceptPaused || now.Before(s.acceptAt) {
		return
	}
	if err := s.ep.AddReader(s.lfd, listenerToken); err != nil {
		s.pauseAccept(err)
		return
	}
	s.acceptPaused = false
}

// sweep closes connections without traffic for KeepAlive.
func (s *Server) sweep(now time.Time) {
	if s.cfg.KeepAlive <= 0 || now.Sub(s.lastSweep) < min(s.cfg.KeepAlive, time.Second) {
		return
	}
	s.lastSweep = now
	for _, c := range s.slots {
		if c == nil || c.Idle() || now.Sub(c.LastActive()) < s.cfg.KeepAlive {
			continue
		}
		s.log.Debug("keep-alive expired", zap.Int("fd", c.FD()), zap.Time("last_active", c.LastActive()))
		s.metrics.Closed(ReasonKeepAlive)
		s.recycle(c)
	}
}

func (s *Server) recoverPanic(token api.Token, v any) {
	s.log.Error("panic in readiness callback", zap.Int("token", token), zap.Any("panic", v), zap.StackSkip("stack", 2))
	if token == listenerToken {
		return
	}
	if c := s.conn(token); c != nil {
		s.metrics.Closed(ReasonPanic)
		s.recycle(c)
	}
}

func (s *Server) teardown() error {
	var errs []error
	for i, c := range s.slots {
		if c == nil {
			continue
		}
		if !c.Idle() {
			s.metrics.Closed(ReasonShutdown)
			s.metrics.active.Dec()
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.Release()
		s.slots[i] = nil
	}
	s.slots = s.slots[:0]
	s.free = s.free[:0]
	s.pooled = 0
	s.live.Store(0)
	s.metrics.pooled.Set(0)

	if s.lfd >= 0 {
		if !s.acceptPaused {
			_ = s.ep.RemoveReader(s.lfd)
		}
		if err := closeFD(s.lfd); err != nil {
			errs = append(errs, err)
		}
		s.lfd = -1
		s.addr = nil
	}
	s.acceptPaused = false
	if s.ep != nil {
		if err := s.ep.Close(); err != nil {
			errs = append(errs, err)
		}
		s.ep = nil
	}
	return errors.Join(errs...)
}
