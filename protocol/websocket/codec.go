// File: protocol/websocket/codec.go
// Package websocket implements the RFC 6455 connection variant.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Incremental frame codec working directly on the transport's read buffer.

package websocket

import (
	"encoding/binary"
	"errors"
)

// Opcode is a WebSocket frame opcode.
type Opcode byte

const (
	// Control opcodes (<0x8)
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether op is a control opcode.
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking

	// Bit masks
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80
)

// Close codes
const (
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseInternalServerErr  = 1011
)

var (
	// ErrIncomplete means the buffer holds only part of a frame.
	ErrIncomplete = errors.New("websocket: incomplete frame")

	ErrReservedBits     = errors.New("websocket: reserved bits set")
	ErrBadOpcode        = errors.New("websocket: unknown opcode")
	ErrControlFrame     = errors.New("websocket: fragmented or oversized control frame")
	ErrFrameTooLarge    = errors.New("websocket: frame payload exceeds maximum allowed size")
	ErrUnmaskedFrame    = errors.New("websocket: client frame not masked")
	ErrBadContinuation  = errors.New("websocket: unexpected continuation frame")
	ErrMessageTooLarge  = errors.New("websocket: message exceeds maximum allowed size")
	ErrInvalidUTF8      = errors.New("websocket: invalid utf-8 in text message")
	ErrInvalidCloseCode = errors.New("websocket: invalid close frame")
)

// Frame is a decoded frame. Payload aliases the decoded buffer.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Decode parses one frame from the front of raw, enforcing maxPayload.
// The payload is unmasked in place. It returns the frame and the number of
// bytes it occupied, or ErrIncomplete when raw holds only part of it.
func Decode(raw []byte, maxPayload int64) (Frame, int, error) {
	var f Frame
	if len(raw) < 2 {
		return f, 0, ErrIncomplete
	}
	if raw[0]&rsvBits != 0 {
		return f, 0, ErrReservedBits
	}
	f.Fin = raw[0]&finBit != 0
	f.Opcode = Opcode(raw[0] & 0x0F)
	switch f.Opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return f, 0, ErrBadOpcode
	}
	f.Masked = raw[1]&maskBit != 0
	length := uint64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return f, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return f, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
	}

	if f.Opcode.IsControl() && (!f.Fin || length > MaxControlPayloadLen) {
		return f, 0, ErrControlFrame
	}
	if length > uint64(maxPayload) {
		return f, 0, ErrFrameTooLarge
	}

	if f.Masked {
		if len(raw) < offset+4 {
			return f, 0, ErrIncomplete
		}
		copy(f.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}

	if uint64(len(raw)-offset) < length {
		return f, 0, ErrIncomplete
	}
	end := offset + int(length)
	f.Payload = raw[offset:end]
	if f.Masked {
		maskBytes(f.MaskKey, f.Payload)
	}
	return f, end, nil
}

// AppendFrame serializes a frame onto dst. The payload is masked when
// f.Masked is set, as clients must do.
func AppendFrame(dst []byte, f Frame) []byte {
	b0 := byte(f.Opcode) & 0x0F
	if f.Fin {
		b0 |= finBit
	}
	var b1 byte
	if f.Masked {
		b1 = maskBit
	}
	plen := len(f.Payload)
	switch {
	case plen <= 125:
		dst = append(dst, b0, b1|byte(plen))
	case plen <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(plen))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(plen))
	}
	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
		start := len(dst)
		dst = append(dst, f.Payload...)
		maskBytes(f.MaskKey, dst[start:])
		return dst
	}
	return append(dst, f.Payload...)
}

// AppendClose serializes a close frame carrying code and reason.
func AppendClose(dst []byte, code int, reason string) []byte {
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, reason...)
	return AppendFrame(dst, Frame{Fin: true, Opcode: OpClose, Payload: payload})
}

// ParseClose extracts the status code and reason of a close payload.
// An empty payload yields CloseNoStatusRcvd.
func ParseClose(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatusRcvd, "", nil
	case len(payload) == 1:
		return 0, "", ErrInvalidCloseCode
	}
	code := int(binary.BigEndian.Uint16(payload))
	if !validCloseCode(code) {
		return 0, "", ErrInvalidCloseCode
	}
	return code, string(payload[2:]), nil
}

func validCloseCode(code int) bool {
	switch {
	case code >= 3000 && code <= 4999:
		return true
	case code >= 1000 && code <= 1011:
		return code != 1004 && code != 1005 && code != 1006
	}
	return false
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}
