// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection_test

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/hioload-conn/api"
	"github.com/momentics/hioload-conn/connection"
	"github.com/momentics/hioload-conn/fake"
	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/protocol/h1"
	"github.com/momentics/hioload-conn/protocol/websocket"
	"github.com/momentics/hioload-conn/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const upgradeRequest = "GET /ws HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

// maskedHello is the masked text frame "Hello" from RFC 6455.
const maskedHello = "\x81\x85\x37\xfa\x21\x3d\x7f\x9f\x4d\x51\x58"

type observer struct {
	read, written int
	switches      [][2]protocol.Kind
	closed        []string
}

func (o *observer) BytesRead(n int)    { o.read += n }
func (o *observer) BytesWritten(n int) { o.written += n }
func (o *observer) Closed(r string)    { o.closed = append(o.closed, r) }

func (o *observer) Switched(from, to protocol.Kind) {
	o.switches = append(o.switches, [2]protocol.Kind{from, to})
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type env struct {
	r   *fake.Reactor
	nc  *fake.Conn
	c   *connection.Connection
	obs *observer
	clk *clock
}

func registry() protocol.Registry {
	hello := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hi "+r.URL.Path)
	})
	echo := websocket.HandlerFunc(func(w websocket.MessageWriter, op websocket.Opcode, p []byte) error {
		return w.WriteMessage(op, p)
	})
	return protocol.Registry{
		protocol.KindH1:        h1.Factory(h1.Config{Handler: hello, EnableWebSocket: true}),
		protocol.KindWebSocket: websocket.Factory(websocket.Config{Handler: echo}),
	}
}

func newEnv(t *testing.T, tc transport.Config) *env {
	t.Helper()
	e := &env{
		r:   fake.NewReactor(),
		nc:  fake.NewConn(10),
		obs: &observer{},
		clk: &clock{now: time.Unix(1000, 0)},
	}
	c, err := connection.New(e.r, e.nc, 3, connection.Options{
		Transport: tc,
		Protocol:  protocol.Config{Default: protocol.KindH1},
		Registry:  registry(),
		Logger:    zaptest.NewLogger(t),
		Observer:  e.obs,
		Now:       e.clk.Now,
	})
	require.NoError(t, err)
	e.c = c
	return e
}

func (e *env) requireUnregistered(t *testing.T, fd api.FD) {
	t.Helper()
	require.Zero(t, e.r.Readers(fd), "readers")
	require.Zero(t, e.r.Writers(fd), "writers")
	require.LessOrEqual(t, e.r.MaxReaders(fd), 1)
	require.LessOrEqual(t, e.r.MaxWriters(fd), 1)
}

func TestNew_StartsReading(t *testing.T) {
	e := newEnv(t, transport.Config{})
	require.Equal(t, []fake.Call{{Op: "add_reader", FD: 10, Token: 3}}, e.r.Calls)
	require.False(t, e.c.Idle())
	require.Equal(t, protocol.KindH1, e.c.Protocol())
	require.Equal(t, 3, e.c.Token())
	require.Equal(t, 10, e.c.FD())
}

// TestPollRead_WouldBlockChangesNothing repeats spurious readiness after a
// partial request.
func TestPollRead_WouldBlockChangesNothing(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.QueueRead([]byte("GET / HT"))
	require.NoError(t, e.c.PollRead())
	calls := len(e.r.Calls)
	active := e.c.LastActive()

	e.clk.now = e.clk.now.Add(time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.c.PollRead())
	}
	require.Equal(t, "GET / HT", string(e.c.Transport().Buffered()))
	require.Len(t, e.r.Calls, calls)
	require.Equal(t, active, e.c.LastActive())
	require.False(t, e.c.Idle())
	require.Zero(t, e.c.Transport().Queued())
}

func TestPollReadWrite_RequestResponse(t *testing.T) {
	e := newEnv(t, transport.Config{})
	req := "GET /x HTTP/1.1\r\nHost: a\r\n\r\n"
	e.nc.QueueRead([]byte(req))

	require.NoError(t, e.c.PollRead())
	require.True(t, e.c.Handle().IsWriting())
	require.Equal(t, len(req), e.obs.read)

	require.NoError(t, e.c.PollWrite())
	out := string(e.nc.Written)
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	require.True(t, strings.HasSuffix(out, "hi /x"))
	require.Equal(t, len(out), e.obs.written)
	require.False(t, e.c.Handle().IsWriting())
	require.True(t, e.c.Handle().IsReading())
	require.Equal(t, 1, e.r.Count("remove_writer"))
}

// TestPollWrite_PartialWrites keeps write interest until the last byte.
func TestPollWrite_PartialWrites(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.Writes = []fake.Step{{N: 5}, {Err: syscall.EAGAIN}, {N: 7}}
	e.nc.QueueRead([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, e.c.PollRead())

	require.NoError(t, e.c.PollWrite())
	require.NoError(t, e.c.PollWrite())
	require.NoError(t, e.c.PollWrite())
	require.Len(t, e.nc.Written, 12)
	require.True(t, e.c.Handle().IsWriting())

	for e.c.Transport().Queued() > 0 {
		require.NoError(t, e.c.PollWrite())
	}
	require.False(t, e.c.Handle().IsWriting())
	require.Equal(t, 1, e.r.Count("add_writer"))
	require.Equal(t, 1, e.r.Count("remove_writer"))
}

func TestPollRead_PeerClose(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.QueueEOF()
	require.NoError(t, e.c.PollRead())
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
	require.Equal(t, []string{connection.ReasonPeerRead}, e.obs.closed)

	// Further readiness on an idle connection is ignored.
	require.NoError(t, e.c.PollRead())
	require.NoError(t, e.c.PollWrite())
	require.Len(t, e.obs.closed, 1)
}

func TestPollRead_Reset(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.QueueReadErr(syscall.ECONNRESET)
	require.NoError(t, e.c.PollRead())
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
}

// TestPollWrite_PeerGoneMarksIdle treats a write-side disconnect like a
// read-side one.
func TestPollWrite_PeerGoneMarksIdle(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.Writes = []fake.Step{{Err: syscall.EPIPE}}
	e.nc.QueueRead([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, e.c.PollRead())
	require.True(t, e.c.Handle().IsWriting())

	require.NoError(t, e.c.PollWrite())
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
	require.Equal(t, []string{connection.ReasonPeerWrite}, e.obs.closed)
}

func TestPollWrite_ConnectionCloseFinishes(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.QueueRead([]byte("GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n"))
	require.NoError(t, e.c.PollRead())
	require.False(t, e.c.Idle())
	require.False(t, e.c.Handle().IsReading())

	require.NoError(t, e.c.PollWrite())
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
	require.Equal(t, []string{connection.ReasonProtocol}, e.obs.closed)
	require.Contains(t, string(e.nc.Written), "Connection: close\r\n")
}

// TestPollRead_UpgradeInSameRead switches to WebSocket and serves the frame
// that arrived together with the handshake.
func TestPollRead_UpgradeInSameRead(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.QueueRead([]byte(upgradeRequest + maskedHello))

	require.NoError(t, e.c.PollRead())
	require.Equal(t, protocol.KindWebSocket, e.c.Protocol())
	require.Equal(t, [][2]protocol.Kind{{protocol.KindH1, protocol.KindWebSocket}}, e.obs.switches)
	require.Empty(t, e.c.Transport().Buffered())

	require.NoError(t, e.c.PollWrite())
	out := string(e.nc.Written)
	head, frame, ok := strings.Cut(out, "\r\n\r\n")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(head, "HTTP/1.1 101 "))
	f, n, err := websocket.Decode([]byte(frame), 1024)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, "Hello", string(f.Payload))
}

// readAll delivers every scripted read while the connection keeps reading.
func (e *env) readAll(t *testing.T) {
	t.Helper()
	for i := 0; i < 1024 && len(e.nc.Reads) > 0 && e.c.Handle().IsReading(); i++ {
		require.NoError(t, e.c.PollRead())
	}
}

// writeAll flushes the write queue.
func (e *env) writeAll(t *testing.T) {
	t.Helper()
	for i := 0; i < 1024 && e.c.Transport().Queued() > 0; i++ {
		require.NoError(t, e.c.PollWrite())
	}
}

// TestPollRead_HeaderBeyondReadBufferRejected answers 431 when the header
// block cannot fit the read buffer instead of overrunning it.
func TestPollRead_HeaderBeyondReadBufferRejected(t *testing.T) {
	e := newEnv(t, transport.Config{ReadChunk: 8, MaxReadBuffer: 16})
	e.nc.QueueRead([]byte(strings.Repeat("A", 32)))
	e.readAll(t)
	e.writeAll(t)

	require.True(t, strings.HasPrefix(string(e.nc.Written), "HTTP/1.1 431 "))
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
	require.Equal(t, []string{connection.ReasonProtocol}, e.obs.closed)
}

func postRequest(contentLength, sent int) []byte {
	head := "POST /upload HTTP/1.1\r\nHost: a\r\nContent-Length: " + strconv.Itoa(contentLength) + "\r\n\r\n"
	return append([]byte(head), bytes.Repeat([]byte{'x'}, sent)...)
}

// TestPollRead_BodyLimits serves bodies up to the configured limit under the
// default buffer sizes and rejects larger ones with 413, including bodies the
// read buffer could not hold.
func TestPollRead_BodyLimits(t *testing.T) {
	limit := int(h1.DefaultConfig().MaxBodyBytes)
	small := transport.Config{ReadChunk: 64, MaxReadBuffer: 128}
	fits := 128 - len(postRequest(10, 0)) // two-digit length, like fits itself
	cases := []struct {
		name   string
		tc     transport.Config
		req    []byte
		status int
	}{
		{"one under limit", transport.DefaultConfig(), postRequest(limit-1, limit-1), http.StatusOK},
		{"at limit", transport.DefaultConfig(), postRequest(limit, limit), http.StatusOK},
		{"one over limit", transport.DefaultConfig(), postRequest(limit+1, 1024), http.StatusRequestEntityTooLarge},
		{"fills read buffer", small, postRequest(fits, fits), http.StatusOK},
		{"exceeds read buffer", small, postRequest(fits+1, 8), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.tc)
			e.nc.QueueRead(tc.req)
			e.readAll(t)
			e.writeAll(t)

			resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(e.nc.Written)), nil)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.status == http.StatusOK {
				require.False(t, e.c.Idle())
				require.True(t, strings.HasSuffix(string(e.nc.Written), "hi /upload"))
				require.Empty(t, e.c.Transport().Buffered())
				return
			}
			require.True(t, resp.Close)
			require.True(t, e.c.Idle())
			e.requireUnregistered(t, 10)
		})
	}
}

func clientFrame(op websocket.Opcode, payload []byte) []byte {
	return websocket.AppendFrame(nil, websocket.Frame{
		Fin: true, Opcode: op, Masked: true, MaskKey: [4]byte{1, 2, 3, 4}, Payload: payload,
	})
}

// TestPollRead_FrameAtLimitIsServed echoes a frame whose payload is exactly
// the frame limit under the default buffer sizes.
func TestPollRead_FrameAtLimitIsServed(t *testing.T) {
	limit := int(websocket.DefaultConfig().MaxFrame)
	payload := bytes.Repeat([]byte{'z'}, limit)
	e := newEnv(t, transport.DefaultConfig())
	e.nc.QueueRead(append([]byte(upgradeRequest), clientFrame(websocket.OpBinary, payload)...))
	e.readAll(t)
	e.writeAll(t)

	require.Equal(t, protocol.KindWebSocket, e.c.Protocol())
	require.False(t, e.c.Idle())
	_, frame, ok := strings.Cut(string(e.nc.Written), "\r\n\r\n")
	require.True(t, ok)
	f, n, err := websocket.Decode([]byte(frame), int64(limit))
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, websocket.OpBinary, f.Opcode)
	require.Equal(t, payload, f.Payload)
}

// TestPollRead_FrameBeyondReadBufferClosesTooBig answers 1009 when a frame
// within the frame limit cannot fit the read buffer.
func TestPollRead_FrameBeyondReadBufferClosesTooBig(t *testing.T) {
	e := newEnv(t, transport.Config{ReadChunk: 256, MaxReadBuffer: 512})
	e.nc.QueueRead(append([]byte(upgradeRequest), clientFrame(websocket.OpBinary, bytes.Repeat([]byte{'z'}, 600))...))
	e.readAll(t)
	e.writeAll(t)

	_, frame, ok := strings.Cut(string(e.nc.Written), "\r\n\r\n")
	require.True(t, ok)
	f, _, err := websocket.Decode([]byte(frame), 125)
	require.NoError(t, err)
	require.Equal(t, websocket.OpClose, f.Opcode)
	code, _, err := websocket.ParseClose(f.Payload)
	require.NoError(t, err)
	require.Equal(t, websocket.CloseMessageTooBig, code)
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
}

// TestPollRead_FullChunkRequestStaysH1 serves a request that fills a whole
// 512-byte read without switching away from HTTP/1.1.
func TestPollRead_FullChunkRequestStaysH1(t *testing.T) {
	head := "GET /pad HTTP/1.1\r\nHost: a\r\nX-Pad: "
	req := head + strings.Repeat("p", 512-len(head)-len("\r\n\r\n")) + "\r\n\r\n"
	require.Len(t, req, 512)

	e := newEnv(t, transport.Config{ReadChunk: 512})
	e.nc.QueueRead([]byte(req))
	require.NoError(t, e.c.PollRead())
	require.Equal(t, len(req), e.obs.read)
	require.Equal(t, protocol.KindH1, e.c.Protocol())
	require.Empty(t, e.obs.switches)
	require.Empty(t, e.c.Transport().Buffered())

	e.writeAll(t)
	require.True(t, strings.HasSuffix(string(e.nc.Written), "hi /pad"))
	require.False(t, e.c.Idle())
}

func TestPollRead_RegistrationFailureAborts(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.r.FailAddWriter = true
	e.nc.QueueRead([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))

	err := e.c.PollRead()
	require.ErrorIs(t, err, api.ErrRegistration)
	require.True(t, e.c.Idle())
	e.requireUnregistered(t, 10)
}

// TestBind_ReusesShutDownConnection recycles a connection that ended in the
// WebSocket variant; the new socket starts over in the default one.
func TestBind_ReusesShutDownConnection(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.nc.QueueRead([]byte(upgradeRequest))
	require.NoError(t, e.c.PollRead())
	require.Equal(t, protocol.KindWebSocket, e.c.Protocol())
	e.nc.QueueEOF()
	require.NoError(t, e.c.PollRead())
	require.True(t, e.c.Idle())

	require.NoError(t, e.c.Close())
	require.True(t, e.nc.Closed)

	next := fake.NewConn(11)
	require.NoError(t, e.c.Bind(next, e.r))
	require.False(t, e.c.Idle())
	require.Equal(t, protocol.KindH1, e.c.Protocol())
	require.Equal(t, 11, e.c.FD())
	require.Equal(t, 3, e.c.Token())
	require.Equal(t, 1, e.r.Readers(11))
	require.Zero(t, e.c.Transport().Queued())
	require.Empty(t, e.c.Transport().Buffered())
	e.requireUnregistered(t, 10)

	next.QueueRead([]byte("GET /again HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, e.c.PollRead())
	require.NoError(t, e.c.PollWrite())
	require.True(t, strings.HasSuffix(string(next.Written), "hi /again"))
}

func TestBind_RefusesLiveRegistrations(t *testing.T) {
	e := newEnv(t, transport.Config{})
	err := e.c.Bind(fake.NewConn(12), e.r)
	var ae *api.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, api.ErrCodeInternal, ae.Code)
	require.Equal(t, 10, e.c.FD())
}

func TestShutdown_IsIdempotent(t *testing.T) {
	e := newEnv(t, transport.Config{})
	require.NoError(t, e.c.Shutdown())
	require.NoError(t, e.c.Shutdown())
	e.requireUnregistered(t, 10)
	require.Equal(t, 1, e.r.Count("remove_reader"))
}

func TestShutdown_ReportsFailures(t *testing.T) {
	e := newEnv(t, transport.Config{})
	e.r.FailRemoveReader = true
	require.ErrorIs(t, e.c.Shutdown(), api.ErrRegistration)
	require.True(t, e.c.Handle().IsReading())
}
