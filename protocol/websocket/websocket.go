// File: protocol/websocket/websocket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket connection variant: frames are decoded straight from the
// transport's read buffer, control frames are answered inline and complete
// messages are handed to the application Handler.

package websocket

import (
	"errors"
	"unicode/utf8"

	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/transport"
	"github.com/valyala/bytebufferpool"
)

// MessageWriter queues outbound messages on the connection.
type MessageWriter interface {
	WriteMessage(op Opcode, payload []byte) error
	Close(code int, reason string) error
}

// Handler receives complete data messages. payload is only valid for the
// duration of the call.
type Handler interface {
	ServeMessage(w MessageWriter, op Opcode, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w MessageWriter, op Opcode, payload []byte) error

// ServeMessage calls f.
func (f HandlerFunc) ServeMessage(w MessageWriter, op Opcode, payload []byte) error {
	return f(w, op, payload)
}

// Config configures the variant.
type Config struct {
	Handler    Handler
	MaxFrame   int64 // largest accepted frame payload
	MaxMessage int64 // largest reassembled message
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrame:   1 << 20,
		MaxMessage: 4 << 20,
	}
}

// Protocol is the WebSocket variant.
type Protocol struct {
	cfg Config
	t   *transport.Transport

	msg        *bytebufferpool.ByteBuffer // fragments of the message in progress
	msgOp      Opcode
	fragmented bool
	paused     bool
	closed     bool // close handshake started; input is discarded
	maxFrame   int64
	scratch    []byte
}

var _ protocol.Protocol = (*Protocol)(nil)

// New creates a WebSocket variant.
func New(cfg Config) *Protocol {
	def := DefaultConfig()
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = def.MaxFrame
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = def.MaxMessage
	}
	return &Protocol{cfg: cfg}
}

// Factory returns a protocol.Factory building variants with cfg.
func Factory(cfg Config) protocol.Factory {
	return func() protocol.Protocol { return New(cfg) }
}

// Kind implements protocol.Protocol.
func (p *Protocol) Kind() protocol.Kind { return protocol.KindWebSocket }

// Attach implements protocol.Protocol.
func (p *Protocol) Attach(t *transport.Transport) error {
	p.releaseMessage()
	p.t = t
	// A frame must fit the read buffer whole.
	p.maxFrame = max(0, min(p.cfg.MaxFrame, int64(t.Config().MaxReadBuffer-MaxFrameHeaderLen)))
	p.fragmented = false
	p.paused = false
	p.closed = false
	return nil
}

// Upgrade implements protocol.Protocol. WebSocket never switches further.
func (p *Protocol) Upgrade() (protocol.Kind, bool) { return protocol.KindNone, false }

// ConnectionLost implements protocol.Protocol.
func (p *Protocol) ConnectionLost() {
	p.releaseMessage()
	p.fragmented = false
	p.closed = true
}

// Drained implements protocol.Protocol.
func (p *Protocol) Drained() error {
	if !p.paused {
		return nil
	}
	p.paused = false
	if err := p.t.ResumeReading(); err != nil {
		return err
	}
	return p.DataReceived()
}

// DataReceived implements protocol.Protocol.
func (p *Protocol) DataReceived() error {
	for {
		buf := p.t.Buffered()
		if len(buf) == 0 {
			return nil
		}
		if p.closed {
			return p.t.Consume(len(buf))
		}
		if p.t.OverHighWater() {
			p.paused = true
			return p.t.PauseReading()
		}

		f, n, err := Decode(buf, p.maxFrame)
		if errors.Is(err, ErrIncomplete) {
			return nil
		}
		if err != nil {
			return p.fail(err)
		}
		if err := p.t.Consume(n); err != nil {
			return err
		}
		if !f.Masked {
			return p.fail(ErrUnmaskedFrame)
		}
		if err := p.handleFrame(f); err != nil {
			return err
		}
	}
}

func (p *Protocol) handleFrame(f Frame) error {
	switch f.Opcode {
	case OpPing:
		return p.writeFrame(Frame{Fin: true, Opcode: OpPong, Payload: f.Payload})
	case OpPong:
		return nil
	case OpClose:
		code, _, err := ParseClose(f.Payload)
		if err != nil {
			return p.fail(err)
		}
		if code == CloseNoStatusRcvd {
			code = CloseNormalClosure
		}
		return p.Close(code, "")
	case OpText, OpBinary:
		if p.fragmented {
			return p.fail(ErrBadContinuation)
		}
		if f.Fin {
			return p.deliver(f.Opcode, f.Payload)
		}
		p.fragmented = true
		p.msgOp = f.Opcode
		p.msg = bytebufferpool.Get()
		return p.appendFragment(f.Payload)
	case OpContinuation:
		if !p.fragmented {
			return p.fail(ErrBadContinuation)
		}
		if err := p.appendFragment(f.Payload); err != nil || p.closed {
			return err
		}
		if !f.Fin {
			return nil
		}
		err := p.deliver(p.msgOp, p.msg.B)
		p.fragmented = false
		p.releaseMessage()
		return err
	}
	return p.fail(ErrBadOpcode)
}

func (p *Protocol) appendFragment(b []byte) error {
	if int64(p.msg.Len()+len(b)) > p.cfg.MaxMessage {
		return p.fail(ErrMessageTooLarge)
	}
	_, _ = p.msg.Write(b)
	return nil
}

func (p *Protocol) deliver(op Opcode, payload []byte) error {
	if op == OpText && !utf8.Valid(payload) {
		return p.fail(ErrInvalidUTF8)
	}
	if p.cfg.Handler == nil {
		return nil
	}
	if err := p.cfg.Handler.ServeMessage(p, op, payload); err != nil {
		return p.Close(CloseInternalServerErr, "")
	}
	return nil
}

// fail answers a protocol violation with a close frame and stops reading.
func (p *Protocol) fail(err error) error {
	code := CloseProtocolError
	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMessageTooLarge):
		code = CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		code = CloseInvalidPayloadData
	}
	return p.Close(code, "")
}

// WriteMessage implements MessageWriter.
func (p *Protocol) WriteMessage(op Opcode, payload []byte) error {
	return p.writeFrame(Frame{Fin: true, Opcode: op, Payload: payload})
}

// Close implements MessageWriter. It sends a close frame and closes the
// connection once the frame is flushed.
func (p *Protocol) Close(code int, reason string) error {
	if p.closed {
		return nil
	}
	p.scratch = AppendClose(p.scratch[:0], code, reason)
	err := p.t.Write(p.scratch)
	p.closed = true
	p.releaseMessage()
	p.fragmented = false
	if err != nil {
		return err
	}
	return p.t.CloseWhenDrained()
}

func (p *Protocol) writeFrame(f Frame) error {
	if p.closed {
		return nil
	}
	p.scratch = AppendFrame(p.scratch[:0], f)
	return p.t.Write(p.scratch)
}

func (p *Protocol) releaseMessage() {
	if p.msg != nil {
		bytebufferpool.Put(p.msg)
		p.msg = nil
	}
}
