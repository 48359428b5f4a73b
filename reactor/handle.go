// File: reactor/handle.go
// Author: momentics <momentics@gmail.com>
//
// Per-descriptor view of a shared reactor that mirrors the registration state.

package reactor

import "github.com/momentics/hioload-conn/api"

// Handle binds one descriptor and token to a shared api.Reactor and tracks
// whether read and write interest is currently registered.
//
// The flags change only after the reactor call returned successfully, so they
// always match the reactor's own table. Callers check IsReading/IsWriting
// before resuming or pausing to avoid redundant registration churn.
type Handle struct {
	reactor api.Reactor
	fd      api.FD
	token   api.Token
	reading bool
	writing bool
}

// NewHandle returns a handle for fd on r. Nothing is registered yet.
func NewHandle(r api.Reactor, fd api.FD, token api.Token) *Handle {
	return &Handle{reactor: r, fd: fd, token: token}
}

// FD returns the bound descriptor.
func (h *Handle) FD() api.FD { return h.fd }

// Token returns the token echoed by the reactor for this handle.
func (h *Handle) Token() api.Token { return h.token }

// Reactor returns the shared reactor.
func (h *Handle) Reactor() api.Reactor { return h.reactor }

// IsReading reports whether read interest is registered.
func (h *Handle) IsReading() bool { return h.reading }

// IsWriting reports whether write interest is registered.
func (h *Handle) IsWriting() bool { return h.writing }

// ResumeReading registers read interest.
func (h *Handle) ResumeReading() error {
	if err := h.reactor.AddReader(h.fd, h.token); err != nil {
		return api.RegistrationError("add reader", h.fd, err)
	}
	h.reading = true
	return nil
}

// PauseReading removes read interest.
func (h *Handle) PauseReading() error {
	if err := h.reactor.RemoveReader(h.fd); err != nil {
		return api.RegistrationError("remove reader", h.fd, err)
	}
	h.reading = false
	return nil
}

// ResumeWriting registers write interest.
func (h *Handle) ResumeWriting() error {
	if err := h.reactor.AddWriter(h.fd, h.token); err != nil {
		return api.RegistrationError("add writer", h.fd, err)
	}
	h.writing = true
	return nil
}

// PauseWriting removes write interest.
func (h *Handle) PauseWriting() error {
	if err := h.reactor.RemoveWriter(h.fd); err != nil {
		return api.RegistrationError("remove writer", h.fd, err)
	}
	h.writing = false
	return nil
}

// BindNewFD adopts a freshly accepted descriptor. The new descriptor starts
// unregistered, so both flags are cleared first.
func (h *Handle) BindNewFD(fd api.FD, token api.Token) {
	h.reading = false
	h.writing = false
	h.fd = fd
	h.token = token
}

// Rebind is BindNewFD that also swaps the reactor.
func (h *Handle) Rebind(r api.Reactor, fd api.FD, token api.Token) {
	h.reactor = r
	h.BindNewFD(fd, token)
}
