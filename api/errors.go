// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-conn.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrTransportClosed   = errors.New("transport is closed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNotFound          = errors.New("resource not found")
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDisconnect marks the normal terminal transition of a connection.
	ErrDisconnect = errors.New("peer disconnected")

	// Class sentinels matched through (*Error).Is.
	ErrRegistration = errors.New("reactor registration failed")
	ErrSocket       = errors.New("socket error")
	ErrProtocol     = errors.New("protocol error")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeNotFound
	ErrCodeInternal
	ErrCodeRegistration
	ErrCodeSocket
	ErrCodeProtocol
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodeNotSupported:
		return "not_supported"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeRegistration:
		return "registration"
	case ErrCodeSocket:
		return "socket"
	case ErrCodeProtocol:
		return "protocol"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) != 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the class sentinel for the error code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRegistration:
		return e.Code == ErrCodeRegistration
	case ErrSocket:
		return e.Code == ErrCodeSocket
	case ErrProtocol:
		return e.Code == ErrCodeProtocol
	case ErrInvalidArgument:
		return e.Code == ErrCodeInvalidArgument
	case ErrResourceExhausted:
		return e.Code == ErrCodeResourceExhausted
	case ErrNotSupported:
		return e.Code == ErrCodeNotSupported
	case ErrNotFound:
		return e.Code == ErrCodeNotFound
	}
	return false
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// RegistrationError reports a failed reactor add/remove call. It is fatal to
// the affected connection only.
func RegistrationError(op string, fd FD, err error) *Error {
	return NewError(ErrCodeRegistration, "reactor "+op).WithContext("fd", fd).Wrap(err)
}

// SocketError reports an OS I/O failure other than would-block or orderly close.
func SocketError(op string, err error) *Error {
	return NewError(ErrCodeSocket, "socket "+op).Wrap(err)
}

// ProtocolError reports malformed input or a protocol invariant violation.
func ProtocolError(message string, err error) *Error {
	return NewError(ErrCodeProtocol, message).Wrap(err)
}
