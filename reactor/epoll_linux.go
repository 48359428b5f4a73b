//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-conn/api"
	"golang.org/x/sys/unix"
)

const maxEvents = 128

// interest is the registration state of one descriptor.
type interest struct {
	token api.Token
	read  bool
	write bool
}

func (in interest) events() uint32 {
	var ev uint32
	if in.read {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in.write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Epoll is a level-triggered epoll readiness engine implementing api.Reactor.
// It is not safe for concurrent use: registration and Wait run on the same
// goroutine, except Wake which may be called from anywhere.
type Epoll struct {
	epfd    int
	wakefd  int
	fds     map[api.FD]interest
	events  []unix.EpollEvent
	OnPanic func(token api.Token, v any)
}

var _ api.Reactor = (*Epoll)(nil)

// NewEpoll creates an epoll instance with a wake-up eventfd.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &Epoll{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[api.FD]interest),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// AddReader implements api.Reactor.
func (r *Epoll) AddReader(fd api.FD, token api.Token) error {
	in, ok := r.fds[fd]
	if ok && in.read {
		return fmt.Errorf("epoll add reader fd=%d: %w", fd, unix.EEXIST)
	}
	in.token = token
	in.read = true
	return r.apply(fd, in, ok)
}

// RemoveReader implements api.Reactor.
func (r *Epoll) RemoveReader(fd api.FD) error {
	in, ok := r.fds[fd]
	if !ok || !in.read {
		return fmt.Errorf("epoll remove reader fd=%d: %w", fd, unix.ENOENT)
	}
	in.read = false
	return r.apply(fd, in, true)
}

// AddWriter implements api.Reactor.
func (r *Epoll) AddWriter(fd api.FD, token api.Token) error {
	in, ok := r.fds[fd]
	if ok && in.write {
		return fmt.Errorf("epoll add writer fd=%d: %w", fd, unix.EEXIST)
	}
	in.token = token
	in.write = true
	return r.apply(fd, in, ok)
}

// RemoveWriter implements api.Reactor.
func (r *Epoll) RemoveWriter(fd api.FD) error {
	in, ok := r.fds[fd]
	if !ok || !in.write {
		return fmt.Errorf("epoll remove writer fd=%d: %w", fd, unix.ENOENT)
	}
	in.write = false
	return r.apply(fd, in, true)
}

// apply pushes the new interest set for fd into the kernel and, on success, into the table.
func (r *Epoll) apply(fd api.FD, in interest, registered bool) error {
	ev := unix.EpollEvent{Events: in.events(), Fd: int32(fd)}
	var err error
	switch {
	case !registered:
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case !in.read && !in.write:
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	default:
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll ctl fd=%d: %w", fd, err)
	}
	if !in.read && !in.write {
		delete(r.fds, fd)
	} else {
		r.fds[fd] = in
	}
	return nil
}

// Forget drops every interest in fd without failing. It is used when a
// descriptor is closed while a removal could not be confirmed.
func (r *Epoll) Forget(fd api.FD) {
	if _, ok := r.fds[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.fds, fd)
}

// Registered returns the number of descriptors with any interest.
func (r *Epoll) Registered() int { return len(r.fds) }

// Wait blocks for up to timeoutMs (negative means forever) and dispatches
// readiness to d. It returns the number of descriptor events handled.
func (r *Epoll) Wait(timeoutMs int, d api.Dispatcher) (int, error) {
	n, err := unix.EpollWait(r.epfd, r.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	handled := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := api.FD(ev.Fd)
		if fd == r.wakefd {
			r.drainWake()
			continue
		}
		hup := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0

		// Interest is looked up again before each callback: the read
		// callback may have removed or recycled the descriptor.
		if in, ok := r.fds[fd]; ok && in.read && (hup || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0) {
			r.dispatch(d.PollRead, in.token)
		}
		if in, ok := r.fds[fd]; ok && in.write && (hup || ev.Events&unix.EPOLLOUT != 0) {
			r.dispatch(d.PollWrite, in.token)
		}
		handled++
	}
	return handled, nil
}

func (r *Epoll) dispatch(fn func(api.Token), token api.Token) {
	if r.OnPanic != nil {
		defer func() {
			if v := recover(); v != nil {
				r.OnPanic(token, v)
			}
		}()
	}
	fn(token)
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (r *Epoll) Wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(r.wakefd, one[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (r *Epoll) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(r.wakefd, buf[:])
}

// Close releases the epoll and eventfd descriptors. Registered descriptors are
// not closed.
func (r *Epoll) Close() error {
	err1 := unix.Close(r.wakefd)
	err2 := unix.Close(r.epfd)
	return errors.Join(err1, err2)
}
