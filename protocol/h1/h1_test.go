// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package h1_test

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/momentics/hioload-conn/fake"
	"github.com/momentics/hioload-conn/protocol"
	"github.com/momentics/hioload-conn/protocol/h1"
	"github.com/momentics/hioload-conn/reactor"
	"github.com/momentics/hioload-conn/transport"
	"github.com/stretchr/testify/require"
)

const upgradeRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

type harness struct {
	p  *h1.Protocol
	tr *transport.Transport
	r  *fake.Reactor
}

func newHarness(t *testing.T, cfg h1.Config) *harness {
	t.Helper()
	r := fake.NewReactor()
	tr := transport.New(reactor.NewHandle(r, 5, 1), transport.DefaultConfig())
	p := h1.New(cfg)
	require.NoError(t, p.Attach(tr))
	require.NoError(t, tr.ResumeReading())
	return &harness{p: p, tr: tr, r: r}
}

func (h *harness) feed(t *testing.T, data string) {
	t.Helper()
	for len(data) > 0 {
		buf, err := h.tr.ReadBufferAcquire()
		require.NoError(t, err)
		n := copy(buf, data)
		data = data[n:]
		require.NoError(t, h.tr.ReadBufferFilled(n))
	}
	require.NoError(t, h.p.DataReceived())
}

// output drains the write queue as a socket would.
func (h *harness) output(t *testing.T) string {
	t.Helper()
	var out bytes.Buffer
	for {
		w := h.tr.WriteBufferAcquire()
		if len(w) == 0 {
			return out.String()
		}
		out.Write(w)
		require.NoError(t, h.tr.WriteBufferDrained(len(w)))
	}
}

func responses(t *testing.T, raw string) []*http.Response {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	var out []*http.Response
	for {
		if _, err := br.Peek(1); err != nil {
			return out
		}
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		out = append(out, resp)
	}
}

func body(t *testing.T, r *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return string(b)
}

func hello() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		_, _ = io.WriteString(w, "hello "+r.Method)
	})
}

func TestDataReceived_SimpleGet(t *testing.T) {
	h := newHarness(t, h1.Config{Handler: hello()})
	h.feed(t, "GET /a HTTP/1.1\r\nHost: x\r\n\r\n")

	rs := responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.Equal(t, http.StatusOK, rs[0].StatusCode)
	require.Equal(t, "/a", rs[0].Header.Get("X-Path"))
	require.Equal(t, "hello GET", body(t, rs[0]))
	require.False(t, rs[0].Close)
	require.Empty(t, h.tr.Buffered())
	require.False(t, h.tr.Closing())
}

// TestDataReceived_PartialThenPipelined serves requests only once complete
// and answers pipelined requests in order.
func TestDataReceived_PartialThenPipelined(t *testing.T) {
	h := newHarness(t, h1.Config{Handler: hello()})
	h.feed(t, "GET /one HTTP/1.1\r\nHo")
	require.Empty(t, h.output(t))

	h.feed(t, "st: x\r\n\r\nPOST /two HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nab")
	rs := responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.Equal(t, "/one", rs[0].Header.Get("X-Path"))

	h.feed(t, "c")
	rs = responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.Equal(t, "hello POST", body(t, rs[0]))
}

func TestDataReceived_RequestBody(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	})
	h := newHarness(t, h1.Config{Handler: echo})
	h.feed(t, "PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nworld")
	rs := responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.Equal(t, "world", body(t, rs[0]))
}

func TestDataReceived_ConnectionClose(t *testing.T) {
	h := newHarness(t, h1.Config{Handler: hello()})
	h.feed(t, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\nGET /ignored HTTP/1.1\r\n\r\n")

	require.True(t, h.tr.Closing())
	require.False(t, h.tr.Handle().IsReading())
	rs := responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.True(t, rs[0].Close)
	require.True(t, h.tr.Done())
}

// TestDataReceived_HandlerRequestsClose honours a "Connection: close" set by
// the handler the same way as one sent by the client.
func TestDataReceived_HandlerRequestsClose(t *testing.T) {
	bye := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "Close")
		_, _ = io.WriteString(w, "bye")
	})
	h := newHarness(t, h1.Config{Handler: bye})
	h.feed(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\nGET /ignored HTTP/1.1\r\nHost: x\r\n\r\n")

	require.True(t, h.tr.Closing())
	require.False(t, h.tr.Handle().IsReading())
	rs := responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.True(t, rs[0].Close)
	require.Equal(t, "bye", body(t, rs[0]))
	require.True(t, h.tr.Done())
}

func TestDataReceived_HeadOmitsBody(t *testing.T) {
	h := newHarness(t, h1.Config{Handler: hello()})
	h.feed(t, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")
	out := h.output(t)
	require.Contains(t, out, "Content-Length: 10\r\n")
	require.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestDataReceived_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		cfg    h1.Config
		input  string
		status int
	}{
		{"malformed", h1.Config{}, "NOT HTTP\r\n\r\n", http.StatusBadRequest},
		{"headers too large", h1.Config{MaxHeaderBytes: 64}, "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 100), http.StatusRequestHeaderFieldsTooLarge},
		{"chunked", h1.Config{}, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n", http.StatusNotImplemented},
		{"body too large", h1.Config{MaxBodyBytes: 4}, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n", http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.cfg)
			h.feed(t, tc.input)
			rs := responses(t, h.output(t))
			require.Len(t, rs, 1)
			require.Equal(t, tc.status, rs[0].StatusCode)
			require.True(t, rs[0].Close)
			require.True(t, h.tr.Done())
		})
	}
}

// TestDataReceived_UpgradeLeavesTrailingBytes stops at the end of the
// handshake so the next variant receives what follows it.
func TestDataReceived_UpgradeLeavesTrailingBytes(t *testing.T) {
	h := newHarness(t, h1.Config{Handler: hello(), EnableWebSocket: true})
	trailing := "\x81\x85\x37\xfa\x21\x3d\x7f\x9f\x4d\x51\x58"
	h.feed(t, upgradeRequest+trailing)

	kind, ok := h.p.Upgrade()
	require.True(t, ok)
	require.Equal(t, protocol.KindWebSocket, kind)
	require.Equal(t, trailing, string(h.tr.Buffered()))

	out := h.output(t)
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 101 Switching Protocols\r\n"))
	require.Contains(t, out, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
}

func TestDataReceived_UpgradeDisabledServesRequest(t *testing.T) {
	h := newHarness(t, h1.Config{Handler: hello()})
	h.feed(t, upgradeRequest)
	_, ok := h.p.Upgrade()
	require.False(t, ok)
	rs := responses(t, h.output(t))
	require.Len(t, rs, 1)
	require.Equal(t, http.StatusOK, rs[0].StatusCode)
}

func TestDataReceived_UpgradeVeto(t *testing.T) {
	h := newHarness(t, h1.Config{
		Handler:         hello(),
		EnableWebSocket: true,
		CheckUpgrade:    func(*http.Request) bool { return false },
	})
	h.feed(t, upgradeRequest)
	_, ok := h.p.Upgrade()
	require.False(t, ok)
	rs := responses(t, h.output(t))
	require.Equal(t, http.StatusForbidden, rs[0].StatusCode)
}

func TestDataReceived_BadHandshake(t *testing.T) {
	h := newHarness(t, h1.Config{EnableWebSocket: true})
	h.feed(t, strings.Replace(upgradeRequest, "Version: 13", "Version: 8", 1))
	rs := responses(t, h.output(t))
	require.Equal(t, http.StatusBadRequest, rs[0].StatusCode)
}

// TestDrained_ResumesAfterBackpressure pauses reading while output sits at
// the high-water mark and serves the buffered request once it drains.
func TestDrained_ResumesAfterBackpressure(t *testing.T) {
	big := strings.Repeat("z", 64)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, big)
	})
	r := fake.NewReactor()
	tr := transport.New(reactor.NewHandle(r, 5, 1), transport.Config{WriteHighWater: 32})
	p := h1.New(h1.Config{Handler: handler})
	require.NoError(t, p.Attach(tr))
	require.NoError(t, tr.ResumeReading())

	h := &harness{p: p, tr: tr, r: r}
	h.feed(t, "GET /1 HTTP/1.1\r\nHost: x\r\n\r\nGET /2 HTTP/1.1\r\nHost: x\r\n\r\n")
	require.False(t, tr.Handle().IsReading())
	require.NotEmpty(t, tr.Buffered())

	first := h.output(t)
	require.NoError(t, p.Drained())
	require.True(t, tr.Handle().IsReading())
	require.Empty(t, tr.Buffered())
	require.Len(t, responses(t, first+h.output(t)), 2)
}

func TestConnectionLost_IsIdempotent(t *testing.T) {
	p := h1.New(h1.Config{})
	p.ConnectionLost()
	p.ConnectionLost()
	require.Equal(t, protocol.KindH1, p.Kind())
}
