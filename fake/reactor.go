// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-conn/api"
)

// ErrInjected is returned by Reactor calls configured to fail.
var ErrInjected = errors.New("fake: injected failure")

// Call records one registration call.
type Call struct {
	Op    string // "add_reader", "remove_reader", "add_writer", "remove_writer"
	FD    api.FD
	Token api.Token
}

// Reactor is a recording api.Reactor. It tracks the live registration count
// per descriptor and the highest count ever observed, which must never exceed 1.
type Reactor struct {
	Calls []Call

	FailAddReader    bool
	FailRemoveReader bool
	FailAddWriter    bool
	FailRemoveWriter bool

	readers    map[api.FD]int
	writers    map[api.FD]int
	maxReaders map[api.FD]int
	maxWriters map[api.FD]int
}

// NewReactor creates an empty recording reactor.
func NewReactor() *Reactor {
	return &Reactor{
		readers:    make(map[api.FD]int),
		writers:    make(map[api.FD]int),
		maxReaders: make(map[api.FD]int),
		maxWriters: make(map[api.FD]int),
	}
}

var _ api.Reactor = (*Reactor)(nil)

func (r *Reactor) AddReader(fd api.FD, token api.Token) error {
	if r.FailAddReader {
		return fmt.Errorf("add reader fd=%d: %w", fd, ErrInjected)
	}
	r.Calls = append(r.Calls, Call{Op: "add_reader", FD: fd, Token: token})
	r.readers[fd]++
	if r.readers[fd] > r.maxReaders[fd] {
		r.maxReaders[fd] = r.readers[fd]
	}
	return nil
}

func (r *Reactor) RemoveReader(fd api.FD) error {
	if r.FailRemoveReader {
		return fmt.Errorf("remove reader fd=%d: %w", fd, ErrInjected)
	}
	r.Calls = append(r.Calls, Call{Op: "remove_reader", FD: fd})
	r.readers[fd]--
	return nil
}

func (r *Reactor) AddWriter(fd api.FD, token api.Token) error {
	if r.FailAddWriter {
		return fmt.Errorf("add writer fd=%d: %w", fd, ErrInjected)
	}
	r.Calls = append(r.Calls, Call{Op: "add_writer", FD: fd, Token: token})
	r.writers[fd]++
	if r.writers[fd] > r.maxWriters[fd] {
		r.maxWriters[fd] = r.writers[fd]
	}
	return nil
}

func (r *Reactor) RemoveWriter(fd api.FD) error {
	if r.FailRemoveWriter {
		return fmt.Errorf("remove writer fd=%d: %w", fd, ErrInjected)
	}
	r.Calls = append(r.Calls, Call{Op: "remove_writer", FD: fd})
	r.writers[fd]--
	return nil
}

// Readers returns the live reader registration count for fd.
func (r *Reactor) Readers(fd api.FD) int { return r.readers[fd] }

// Writers returns the live writer registration count for fd.
func (r *Reactor) Writers(fd api.FD) int { return r.writers[fd] }

// MaxReaders returns the highest reader count ever seen for fd.
func (r *Reactor) MaxReaders(fd api.FD) int { return r.maxReaders[fd] }

// MaxWriters returns the highest writer count ever seen for fd.
func (r *Reactor) MaxWriters(fd api.FD) int { return r.maxWriters[fd] }

// Count returns how many times op was recorded.
func (r *Reactor) Count(op string) int {
	n := 0
	for _, c := range r.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps live counts.
func (r *Reactor) Reset() {
	r.Calls = r.Calls[:0]
}
