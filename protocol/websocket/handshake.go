// File: protocol/websocket/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the RFC6455 HTTP Upgrade: request validation,
// Sec-WebSocket-Key/Accept negotiation, and response serialization.

package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Constants used for handshake processing.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	RequiredWebSocketVersion = "13"
	MaxHandshakeHeadersSize  = 8192
)

// Errors for handshake validation.
var (
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = fmt.Errorf("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = fmt.Errorf("unsupported WebSocket version; only '13' is supported")
	ErrHandshakeTooLarge     = fmt.Errorf("handshake headers too large")
)

// IsUpgradeRequest reports whether the request headers ask for a WebSocket upgrade.
func IsUpgradeRequest(h http.Header) bool {
	return headerContainsToken(h, HeaderConnection, "upgrade") &&
		headerContainsToken(h, HeaderUpgrade, "websocket")
}

// CheckHandshake validates an upgrade request and returns the
// Sec-WebSocket-Accept value for the response.
func CheckHandshake(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrInvalidUpgradeHeaders
	}
	// Enforce a maximum total header size to prevent abuse.
	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
			if total > MaxHandshakeHeadersSize {
				return "", ErrHandshakeTooLarge
			}
		}
	}

	if !IsUpgradeRequest(r.Header) {
		return "", ErrInvalidUpgradeHeaders
	}
	if r.Header.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return "", ErrBadWebSocketVersion
	}
	key := r.Header.Get(HeaderSecWebSocketKey)
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return "", ErrMissingWebSocketKey
	}
	return AcceptKey(key), nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AppendHandshakeResponse serializes the 101 Switching Protocols response.
func AppendHandshakeResponse(dst []byte, accept string) []byte {
	dst = append(dst, "HTTP/1.1 101 Switching Protocols\r\n"...)
	dst = append(dst, "Upgrade: websocket\r\n"...)
	dst = append(dst, "Connection: Upgrade\r\n"...)
	dst = append(dst, "Sec-WebSocket-Accept: "...)
	dst = append(dst, accept...)
	return append(dst, "\r\n\r\n"...)
}

// headerContainsToken checks if headerName contains the given token (case-insensitive).
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(headerName)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
