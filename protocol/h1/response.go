// File: protocol/h1/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package h1

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

// responseWriter buffers one response so it can be framed with an exact
// Content-Length and queued on the transport in a single write.
type responseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        *bytebufferpool.ByteBuffer
}

func (w *responseWriter) reset() {
	if w.header == nil {
		w.header = make(http.Header)
	} else {
		clear(w.header)
	}
	w.status = http.StatusOK
	w.wroteHeader = false
	if w.body == nil {
		w.body = bytebufferpool.Get()
	}
	w.body.Reset()
}

func (w *responseWriter) release() {
	if w.body != nil {
		bytebufferpool.Put(w.body)
		w.body = nil
	}
}

// Header implements http.ResponseWriter.
func (w *responseWriter) Header() http.Header { return w.header }

// WriteHeader implements http.ResponseWriter.
func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
}

// Write implements http.ResponseWriter.
func (w *responseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

// appendTo serializes the status line, headers and, unless head is set, the body.
func (w *responseWriter) appendTo(dst *bytebufferpool.ByteBuffer, keepAlive, head bool, server string) {
	status := w.status
	dst.B = append(dst.B, "HTTP/1.1 "...)
	dst.B = strconv.AppendInt(dst.B, int64(status), 10)
	dst.B = append(dst.B, ' ')
	dst.B = append(dst.B, http.StatusText(status)...)
	dst.B = append(dst.B, "\r\n"...)

	h := w.header
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if server != "" && h.Get("Server") == "" {
		h.Set("Server", server)
	}
	if bodyAllowed(status) {
		if h.Get("Content-Type") == "" && w.body.Len() > 0 {
			h.Set("Content-Type", http.DetectContentType(w.body.B))
		}
		h.Set("Content-Length", strconv.Itoa(w.body.Len()))
	} else {
		h.Del("Content-Length")
	}
	if !keepAlive {
		h.Set("Connection", "close")
	}
	_ = h.Write(dst)
	dst.B = append(dst.B, "\r\n"...)
	if !head && bodyAllowed(status) {
		dst.B = append(dst.B, w.body.B...)
	}
}

// closeRequested reports whether the handler set a "close" Connection option.
func (w *responseWriter) closeRequested() bool {
	for _, v := range w.header.Values("Connection") {
		for _, opt := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(opt), "close") {
				return true
			}
		}
	}
	return false
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
