// File: protocol/h1/h1.go
// Package h1 implements the HTTP/1.1 connection variant. It parses requests
// incrementally from the transport's read buffer, serves them synchronously
// through an http.Handler, and signals a WebSocket upgrade to the state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package h1

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/protocol/websocket"
	"github.com/momentics/hioload-conn/transport"
	"github.com/valyala/bytebufferpool"
)

var headerEnd = []byte("\r\n\r\n")

// Config configures the variant.
type Config struct {
	// Handler serves every request. It runs on the reactor goroutine and
	// must not block.
	Handler http.Handler

	// EnableWebSocket turns valid upgrade requests into a switch to the
	// WebSocket variant. When false the Upgrade header is ignored.
	EnableWebSocket bool

	// CheckUpgrade may veto an upgrade; a false result answers 403.
	CheckUpgrade func(r *http.Request) bool

	MaxHeaderBytes int
	MaxBodyBytes   int64
	ServerName     string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxHeaderBytes: websocket.MaxHandshakeHeadersSize,
		MaxBodyBytes:   1 << 20,
		ServerName:     "hioload-conn",
	}
}

// Protocol is the HTTP/1.1 variant.
type Protocol struct {
	cfg Config
	t   *transport.Transport

	upgrade protocol.Kind
	paused  bool
	closing bool
	maxHead int // header limit clamped to the read buffer
	maxRead int64

	br   *bufio.Reader
	rd   bytes.Reader
	w    responseWriter
	body bytes.Reader
}

var _ protocol.Protocol = (*Protocol)(nil)

// New creates an HTTP/1.1 variant.
func New(cfg Config) *Protocol {
	def := DefaultConfig()
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.Handler == nil {
		cfg.Handler = http.NotFoundHandler()
	}
	return &Protocol{cfg: cfg}
}

// Factory returns a protocol.Factory building variants with cfg.
func Factory(cfg Config) protocol.Factory {
	return func() protocol.Protocol { return New(cfg) }
}

// Kind implements protocol.Protocol.
func (p *Protocol) Kind() protocol.Kind { return protocol.KindH1 }

// Attach implements protocol.Protocol.
func (p *Protocol) Attach(t *transport.Transport) error {
	p.t = t
	p.maxRead = int64(t.Config().MaxReadBuffer)
	p.maxHead = min(p.cfg.MaxHeaderBytes, t.Config().MaxReadBuffer-1)
	p.upgrade = protocol.KindNone
	p.paused = false
	p.closing = false
	return nil
}

// Upgrade implements protocol.Protocol.
func (p *Protocol) Upgrade() (protocol.Kind, bool) {
	return p.upgrade, p.upgrade != protocol.KindNone
}

// ConnectionLost implements protocol.Protocol.
func (p *Protocol) ConnectionLost() {
	p.closing = true
	p.w.release()
}

// Drained implements protocol.Protocol. Reading paused for backpressure
// resumes here and any pipelined requests already buffered are served.
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
	for !p.closing && p.upgrade == protocol.KindNone {
		buf := p.t.Buffered()
		if len(buf) == 0 {
			return nil
		}
		if p.t.OverHighWater() {
			p.paused = true
			return p.t.PauseReading()
		}

		end := bytes.Index(buf, headerEnd)
		if end < 0 {
			if len(buf) > p.maxHead {
				return p.reject(http.StatusRequestHeaderFieldsTooLarge)
			}
			return nil
		}
		headLen := end + len(headerEnd)
		if headLen > p.maxHead {
			return p.reject(http.StatusRequestHeaderFieldsTooLarge)
		}

		req, err := p.readRequest(buf[:headLen])
		if err != nil {
			return p.reject(http.StatusBadRequest)
		}
		if len(req.TransferEncoding) > 0 {
			return p.reject(http.StatusNotImplemented)
		}
		if req.ContentLength > p.cfg.MaxBodyBytes || int64(headLen)+req.ContentLength > p.maxRead {
			return p.reject(http.StatusRequestEntityTooLarge)
		}
		total := headLen + int(req.ContentLength)
		if len(buf) < total {
			// Body still in flight.
			return nil
		}

		if p.cfg.EnableWebSocket && websocket.IsUpgradeRequest(req.Header) {
			return p.acceptUpgrade(req, total)
		}

		keepAlive, err := p.serve(req, buf[headLen:total])
		if err != nil {
			return err
		}
		if err := p.t.Consume(total); err != nil {
			return err
		}
		if !keepAlive {
			p.closing = true
			return p.t.CloseWhenDrained()
		}
	}
	// Closing or upgrading: anything left belongs to nobody or to the next variant.
	return nil
}

func (p *Protocol) readRequest(head []byte) (*http.Request, error) {
	p.rd.Reset(head)
	if p.br == nil {
		p.br = bufio.NewReaderSize(&p.rd, p.cfg.MaxHeaderBytes)
	} else {
		p.br.Reset(&p.rd)
	}
	return http.ReadRequest(p.br)
}

// serve runs the handler and queues its response. The connection stays open
// unless the request or the handler's response asked to close it.
func (p *Protocol) serve(req *http.Request, body []byte) (bool, error) {
	p.body.Reset(body)
	req.Body = io.NopCloser(&p.body)

	p.w.reset()
	p.cfg.Handler.ServeHTTP(&p.w, req)
	keepAlive := !req.Close && !p.w.closeRequested()

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)
	p.w.appendTo(out, keepAlive, req.Method == http.MethodHead, p.cfg.ServerName)
	return keepAlive, p.t.Write(out.B)
}

// acceptUpgrade answers 101 and consumes exactly the upgrade request; bytes
// after it stay buffered for the WebSocket variant.
func (p *Protocol) acceptUpgrade(req *http.Request, total int) error {
	accept, err := websocket.CheckHandshake(req)
	if err != nil {
		return p.reject(http.StatusBadRequest)
	}
	if p.cfg.CheckUpgrade != nil && !p.cfg.CheckUpgrade(req) {
		return p.reject(http.StatusForbidden)
	}
	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)
	out.B = websocket.AppendHandshakeResponse(out.B, accept)
	if err := p.t.Write(out.B); err != nil {
		return err
	}
	if err := p.t.Consume(total); err != nil {
		return err
	}
	p.upgrade = protocol.KindWebSocket
	return nil
}

// reject answers with an error status and closes after the response is flushed.
func (p *Protocol) reject(status int) error {
	p.w.reset()
	p.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	p.w.WriteHeader(status)
	_, _ = p.w.Write([]byte(strings.ToLower(http.StatusText(status))))

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)
	p.w.appendTo(out, false, false, p.cfg.ServerName)
	if err := p.t.Write(out.B); err != nil {
		return err
	}
	p.closing = true
	return p.t.CloseWhenDrained()
}
