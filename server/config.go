// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration and functional options.

package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/protocol/websocket"
	"github.com/momentics/hioload-conn/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config holds all configurable parameters of a Server.
type Config struct {
	Addr    string
	Backlog int

	// DefaultProtocol names the variant new connections start in
	// ("h1" or "websocket").
	DefaultProtocol string
	EnableWebSocket bool

	// KeepAlive closes connections with no traffic for this long.
	// Zero disables the sweep.
	KeepAlive time.Duration

	// IdleMax bounds how many recycled connections keep their buffers and
	// protocol variants for reuse.
	IdleMax int

	// MaxConnections rejects accepts beyond this many live connections.
	// Zero means unlimited.
	MaxConnections int

	PollTimeout time.Duration

	// CPUAffinity pins the reactor goroutine's OS thread to CPU.
	CPUAffinity bool
	CPU         int

	Transport      transport.Config
	MaxHeaderBytes int
	MaxBodyBytes   int64
	MaxFrame       int64
	MaxMessage     int64
	ServerName     string

	// CheckUpgrade may veto WebSocket upgrades.
	CheckUpgrade func(*http.Request) bool

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// DefaultConfig returns a baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		Backlog:         1024,
		DefaultProtocol: protocol.KindH1.String(),
		EnableWebSocket: true,
		KeepAlive:       75 * time.Second,
		IdleMax:         256,
		PollTimeout:     100 * time.Millisecond,
		Transport:       transport.DefaultConfig(),
		MaxHeaderBytes:  8 * 1024,
		MaxBodyBytes:    1 << 20,
		MaxFrame:        1 << 20,
		MaxMessage:      4 << 20,
		ServerName:      "hioload-conn",
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	invalid := func(field string, v any) error {
		return api.NewError(api.ErrCodeInvalidArgument, "invalid server config").
			WithContext("field", field).
			WithContext("value", fmt.Sprint(v))
	}
	switch {
	case c.Addr == "":
		return invalid("Addr", c.Addr)
	case c.Backlog <= 0:
		return invalid("Backlog", c.Backlog)
	case c.IdleMax < 0:
		return invalid("IdleMax", c.IdleMax)
	case c.MaxConnections < 0:
		return invalid("MaxConnections", c.MaxConnections)
	case c.KeepAlive < 0:
		return invalid("KeepAlive", c.KeepAlive)
	case c.PollTimeout <= 0:
		return invalid("PollTimeout", c.PollTimeout)
	case c.CPUAffinity && c.CPU < 0:
		return invalid("CPU", c.CPU)
	case c.Transport.ReadChunk <= 0:
		return invalid("Transport.ReadChunk", c.Transport.ReadChunk)
	case c.Transport.MaxReadBuffer < c.Transport.ReadChunk:
		return invalid("Transport.MaxReadBuffer", c.Transport.MaxReadBuffer)
	case c.Transport.WriteChunk <= 0:
		return invalid("Transport.WriteChunk", c.Transport.WriteChunk)
	case c.Transport.WriteHighWater <= 0:
		return invalid("Transport.WriteHighWater", c.Transport.WriteHighWater)
	case int64(c.Transport.MaxReadBuffer) < int64(c.MaxHeaderBytes)+c.MaxBodyBytes:
		// A request within both limits must fit the read buffer whole.
		return invalid("Transport.MaxReadBuffer", c.Transport.MaxReadBuffer)
	case c.EnableWebSocket && int64(c.Transport.MaxReadBuffer) < c.MaxFrame+websocket.MaxFrameHeaderLen:
		return invalid("Transport.MaxReadBuffer", c.Transport.MaxReadBuffer)
	}
	k, err := protocol.ParseKind(c.DefaultProtocol)
	if err != nil {
		return err
	}
	if k == protocol.KindWebSocket && !c.EnableWebSocket {
		return invalid("DefaultProtocol", c.DefaultProtocol)
	}
	return nil
}

// Option customizes a Server at construction.
type Option func(*Config)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(c *Config) { c.Addr = addr }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegisterer sets the Prometheus registerer for server metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

// WithKeepAlive overrides the idle traffic timeout.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.KeepAlive = d }
}

// WithIdleMax overrides the recycled connection pool bound.
func WithIdleMax(n int) Option {
	return func(c *Config) { c.IdleMax = n }
}

// WithMaxConnections caps live connections.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithDefaultProtocol selects the variant new connections start in.
func WithDefaultProtocol(name string) Option {
	return func(c *Config) { c.DefaultProtocol = name }
}

// WithCPU pins the reactor thread to cpu.
func WithCPU(cpu int) Option {
	return func(c *Config) {
		c.CPUAffinity = true
		c.CPU = cpu
	}
}

// WithUpgradeCheck installs a WebSocket upgrade veto.
func WithUpgradeCheck(fn func(*http.Request) bool) Option {
	return func(c *Config) { c.CheckUpgrade = fn }
}
