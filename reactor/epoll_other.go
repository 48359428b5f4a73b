//go:build !linux
// +build !linux

// File: reactor/epoll_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"errors"

	"github.com/momentics/hioload-conn/api"
)

// Epoll is unavailable outside Linux; supply another api.Reactor instead.
type Epoll struct {
	OnPanic func(token api.Token, v any)
}

// NewEpoll returns an error for unsupported platforms.
func NewEpoll() (*Epoll, error) {
	return nil, errors.New("reactor: epoll is not supported on this platform")
}

func (r *Epoll) AddReader(api.FD, api.Token) error { return api.ErrNotSupported }
func (r *Epoll) RemoveReader(api.FD) error         { return api.ErrNotSupported }
func (r *Epoll) AddWriter(api.FD, api.Token) error { return api.ErrNotSupported }
func (r *Epoll) RemoveWriter(api.FD) error         { return api.ErrNotSupported }
func (r *Epoll) Forget(api.FD)                     {}
func (r *Epoll) Registered() int                   { return 0 }
func (r *Epoll) Wake() error                       { return api.ErrNotSupported }
func (r *Epoll) Close() error                      { return nil }

// Wait always fails on unsupported platforms.
func (r *Epoll) Wait(int, api.Dispatcher) (int, error) { return 0, api.ErrNotSupported }
