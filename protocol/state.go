// File: protocol/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/transport"
)

// maxSwitches bounds chained upgrades within one MaybeSwitch.
const maxSwitches = 4

// Config selects the variant every connection starts with.
type Config struct {
	Default Kind
}

// StateMachine owns the active variant of one connection. Variants are built
// once per kind and reused across connections bound to the same state machine.
type StateMachine struct {
	cfg       Config
	registry  Registry
	variants  map[Kind]Protocol
	active    Protocol
	transport *transport.Transport
	switches  int
	onSwitch  func(from, to Kind)
}

// New creates a state machine. The default kind must be registered.
func New(cfg Config, reg Registry) (*StateMachine, error) {
	if _, ok := reg[cfg.Default]; !ok {
		return nil, fmt.Errorf("default protocol %s not registered: %w", cfg.Default, api.ErrNotSupported)
	}
	return &StateMachine{
		cfg:      cfg,
		registry: reg,
		variants: make(map[Kind]Protocol, len(reg)),
	}, nil
}

// OnSwitch installs a hook called after every completed switch.
func (s *StateMachine) OnSwitch(fn func(from, to Kind)) { s.onSwitch = fn }

// Active returns the kind of the active variant.
func (s *StateMachine) Active() Kind {
	if s.active == nil {
		return KindNone
	}
	return s.active.Kind()
}

// Transport returns the transport of the current connection.
func (s *StateMachine) Transport() *transport.Transport { return s.transport }

// Switches returns the number of switches on the current connection.
func (s *StateMachine) Switches() int { return s.switches }

// NewConnection resets protocol state for a new connection on t and activates
// the default variant.
func (s *StateMachine) NewConnection(t *transport.Transport) error {
	if s.active != nil {
		s.active.ConnectionLost()
	}
	s.transport = t
	s.switches = 0
	p, err := s.variant(s.cfg.Default)
	if err != nil {
		return err
	}
	s.active = p
	return p.Attach(t)
}

// ReadBufferAcquire returns the window for the next socket read.
func (s *StateMachine) ReadBufferAcquire() ([]byte, error) {
	return s.transport.ReadBufferAcquire()
}

// ReadBufferFilled commits n read bytes and lets the active variant consume them.
func (s *StateMachine) ReadBufferFilled(n int) error {
	if err := s.transport.ReadBufferFilled(n); err != nil {
		return err
	}
	return s.active.DataReceived()
}

// WriteBufferAcquire returns the next unsent output window.
func (s *StateMachine) WriteBufferAcquire() []byte {
	return s.transport.WriteBufferAcquire()
}

// WriteBufferDrained drops n sent bytes and notifies the variant once the
// queue is empty.
func (s *StateMachine) WriteBufferDrained(n int) error {
	if err := s.transport.WriteBufferDrained(n); err != nil {
		return err
	}
	if s.transport.Queued() == 0 {
		return s.active.Drained()
	}
	return nil
}

// MaybeSwitch replaces the active variant when it asked for an upgrade. The
// unconsumed input stays in the transport's buffer and is handed to the new
// variant as is.
func (s *StateMachine) MaybeSwitch() error {
	for i := 0; i < maxSwitches; i++ {
		to, ok := s.active.Upgrade()
		if !ok || to == s.active.Kind() {
			return nil
		}
		next, err := s.variant(to)
		if err != nil {
			return err
		}
		from := s.active.Kind()
		if err := next.Attach(s.transport); err != nil {
			return err
		}
		s.active = next
		s.switches++
		if s.onSwitch != nil {
			s.onSwitch(from, to)
		}
		if len(s.transport.Buffered()) > 0 {
			if err := next.DataReceived(); err != nil {
				return err
			}
		}
	}
	if to, ok := s.active.Upgrade(); !ok || to == s.active.Kind() {
		return nil
	}
	return api.ProtocolError("too many protocol switches", nil).WithContext("limit", maxSwitches)
}

// LostConnection informs the active variant of a peer disconnect.
func (s *StateMachine) LostConnection() {
	if s.active != nil {
		s.active.ConnectionLost()
	}
}

func (s *StateMachine) variant(k Kind) (Protocol, error) {
	if p, ok := s.variants[k]; ok {
		return p, nil
	}
	f, ok := s.registry[k]
	if !ok {
		return nil, api.ProtocolError("unknown protocol variant", api.ErrNotSupported).WithContext("kind", k.String())
	}
	p := f()
	s.variants[k] = p
	return p, nil
}
