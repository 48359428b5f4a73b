// File: protocol/protocol.go
// Package protocol mediates between the buffered transport and the active
// application protocol, and swaps that protocol mid-connection on request.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"fmt"
	"strings"

	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/transport"
)

// Kind identifies a protocol variant.
type Kind uint8

const (
	KindNone Kind = iota
	KindH1
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindH1:
		return "h1"
	case KindWebSocket:
		return "websocket"
	default:
		return "none"
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h1", "http/1.1", "http1":
		return KindH1, nil
	case "websocket", "ws":
		return KindWebSocket, nil
	}
	return KindNone, fmt.Errorf("protocol %q: %w", s, api.ErrNotSupported)
}

// Protocol is one application protocol variant. All methods run on the
// reactor goroutine.
type Protocol interface {
	// Kind identifies the variant.
	Kind() Kind

	// Attach makes the variant active on t, discarding any state from a
	// previous connection. Input already buffered in t belongs to it.
	Attach(t *transport.Transport) error

	// DataReceived consumes input from the transport's buffer and queues
	// output with t.Write.
	DataReceived() error

	// Drained is called once all queued output has been sent.
	Drained() error

	// Upgrade reports the variant to switch to, if the input seen so far
	// asked for one. The requesting variant must have stopped consuming at
	// the switch point.
	Upgrade() (Kind, bool)

	// ConnectionLost abandons in-flight state after a peer disconnect.
	// It must be safe to call on an idle variant.
	ConnectionLost()
}

// Factory builds a fresh variant.
type Factory func() Protocol

// Registry maps kinds to factories.
type Registry map[Kind]Factory
