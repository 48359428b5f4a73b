// File: transport/transport.go
// Package transport owns the per-connection read buffer and write queue and
// drives reader/writer registration from their fill state.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/reactor"
	"github.com/valyala/bytebufferpool"
)

// Config holds buffer sizing and backpressure thresholds.
type Config struct {
	ReadChunk      int // bytes requested per read window
	MaxReadBuffer  int // bound on unconsumed input
	WriteChunk     int // coalescing limit for queued output chunks
	WriteHighWater int // queued output at which protocols should stop reading
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReadChunk:      16 * 1024,
		MaxReadBuffer:  2 << 20,
		WriteChunk:     64 * 1024,
		WriteHighWater: 256 * 1024,
	}
}

// Transport is the buffered transport of one connection. It is driven from
// the reactor goroutine only.
type Transport struct {
	cfg    Config
	handle *reactor.Handle
	rbuf   *Buffer

	wq      *queue.Queue // *bytebufferpool.ByteBuffer
	woff    int          // bytes of the head chunk already sent
	queued  int          // unsent bytes across all chunks
	closing bool
}

// New creates a transport bound to h. Zero fields of cfg take their defaults.
func New(h *reactor.Handle, cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = def.ReadChunk
	}
	if cfg.MaxReadBuffer <= 0 {
		cfg.MaxReadBuffer = def.MaxReadBuffer
	}
	if cfg.WriteChunk <= 0 {
		cfg.WriteChunk = def.WriteChunk
	}
	if cfg.WriteHighWater <= 0 {
		cfg.WriteHighWater = def.WriteHighWater
	}
	return &Transport{
		cfg:    cfg,
		handle: h,
		rbuf:   NewBuffer(cfg.MaxReadBuffer),
		wq:     queue.New(),
	}
}

// Handle returns the registration handle.
func (t *Transport) Handle() *reactor.Handle { return t.handle }

// Config returns the transport configuration.
func (t *Transport) Config() Config { return t.cfg }

// ReadBufferAcquire returns the window the next socket read fills.
// Unconsumed input at the bound is a protocol error: the peer sent more than
// the active protocol is willing to buffer.
func (t *Transport) ReadBufferAcquire() ([]byte, error) {
	p, err := t.rbuf.Acquire(t.cfg.ReadChunk)
	if err != nil {
		return nil, api.ProtocolError("read buffer limit exceeded", err).
			WithContext("limit", t.cfg.MaxReadBuffer)
	}
	return p, nil
}

// ReadBufferFilled commits n bytes read into the acquired window.
func (t *Transport) ReadBufferFilled(n int) error {
	return t.rbuf.Fill(n)
}

// Buffered returns input not yet consumed by the protocol.
func (t *Transport) Buffered() []byte { return t.rbuf.Bytes() }

// Consume marks n bytes of Buffered as processed.
func (t *Transport) Consume(n int) error { return t.rbuf.Consume(n) }

// Write queues p for sending and registers write interest if needed.
// p is copied; the caller keeps ownership.
func (t *Transport) Write(p []byte) error {
	if t.closing {
		return api.ErrTransportClosed
	}
	if len(p) == 0 {
		return nil
	}
	var tail *bytebufferpool.ByteBuffer
	if n := t.wq.Length(); n > 0 {
		tail = t.wq.Get(n - 1).(*bytebufferpool.ByteBuffer)
		if tail.Len()+len(p) > t.cfg.WriteChunk {
			tail = nil
		}
	}
	if tail == nil {
		tail = bytebufferpool.Get()
		t.wq.Add(tail)
	}
	_, _ = tail.Write(p)
	t.queued += len(p)

	if !t.handle.IsWriting() {
		return t.handle.ResumeWriting()
	}
	return nil
}

// WriteBufferAcquire returns the next unsent window, or nil when the queue is empty.
func (t *Transport) WriteBufferAcquire() []byte {
	if t.wq.Length() == 0 {
		return nil
	}
	head := t.wq.Peek().(*bytebufferpool.ByteBuffer)
	return head.B[t.woff:]
}

// WriteBufferDrained removes n sent bytes from the front of the queue. Once
// the queue is empty write interest is paused; there is nothing to poll for.
func (t *Transport) WriteBufferDrained(n int) error {
	window := t.WriteBufferAcquire()
	if n < 0 || n > len(window) {
		return fmt.Errorf("drained %d of %d bytes: %w", n, len(window), api.ErrInvalidArgument)
	}
	t.woff += n
	t.queued -= n
	if len(window) > 0 && n == len(window) {
		head := t.wq.Remove().(*bytebufferpool.ByteBuffer)
		bytebufferpool.Put(head)
		t.woff = 0
	}
	if t.queued == 0 && t.handle.IsWriting() {
		return t.handle.PauseWriting()
	}
	return nil
}

// Queued returns the number of unsent output bytes.
func (t *Transport) Queued() int { return t.queued }

// OverHighWater reports whether queued output reached the high-water mark.
func (t *Transport) OverHighWater() bool {
	return t.cfg.WriteHighWater > 0 && t.queued >= t.cfg.WriteHighWater
}

// PauseReading stops read interest; a no-op when not reading.
func (t *Transport) PauseReading() error {
	if !t.handle.IsReading() {
		return nil
	}
	return t.handle.PauseReading()
}

// ResumeReading restores read interest; a no-op when already reading or closing.
func (t *Transport) ResumeReading() error {
	if t.closing || t.handle.IsReading() {
		return nil
	}
	return t.handle.ResumeReading()
}

// CloseWhenDrained stops input and marks the transport for close once all
// queued output is sent.
func (t *Transport) CloseWhenDrained() error {
	if t.closing {
		return nil
	}
	t.closing = true
	return t.PauseReading()
}

// Closing reports whether a close was requested.
func (t *Transport) Closing() bool { return t.closing }

// Done reports a requested close with nothing left to send.
func (t *Transport) Done() bool { return t.closing && t.queued == 0 }

// Reset prepares the transport for a new connection on h, keeping the read
// buffer storage.
func (t *Transport) Reset(h *reactor.Handle) {
	t.handle = h
	t.rbuf.Reset()
	t.dropQueue()
	t.closing = false
}

// Release returns pooled chunks and drops the read buffer storage.
func (t *Transport) Release() {
	t.dropQueue()
	t.rbuf.Release()
}

func (t *Transport) dropQueue() {
	for t.wq.Length() > 0 {
		bytebufferpool.Put(t.wq.Remove().(*bytebufferpool.ByteBuffer))
	}
	t.woff = 0
	t.queued = 0
}
