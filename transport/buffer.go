// File: transport/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded growable byte buffer with separate filled and consumed cursors.

package transport

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-conn/api"
)

// ErrBufferFull is returned by Acquire when unconsumed bytes already occupy
// the whole bound.
var ErrBufferFull = errors.New("buffer limit reached")

// Buffer is a bounded byte buffer. Bytes in [r, w) are filled but not yet
// consumed; Acquire exposes the free tail beyond w for an I/O call, and
// Fill/Consume advance the cursors after it.
//
// Slices returned by Acquire and Bytes are only valid until the next Acquire:
// compaction and growth move the data.
type Buffer struct {
	buf []byte
	r   int
	w   int
	max int
}

// NewBuffer returns a buffer that will never hold more than max bytes.
// Storage is allocated lazily on the first Acquire.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Len returns the number of filled, unconsumed bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Max returns the configured bound.
func (b *Buffer) Max() int { return b.max }

// Bytes returns the filled, unconsumed bytes.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Acquire returns a writable window of at most want bytes past the fill
// cursor, compacting or growing the storage as needed. The window is shorter
// than want only when the bound is close.
func (b *Buffer) Acquire(want int) ([]byte, error) {
	if want <= 0 {
		return nil, fmt.Errorf("acquire %d bytes: %w", want, api.ErrInvalidArgument)
	}
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	if len(b.buf)-b.w < want && b.r > 0 {
		n := copy(b.buf, b.buf[b.r:b.w])
		b.r, b.w = 0, n
	}
	if len(b.buf)-b.w < want {
		if b.w >= b.max {
			return nil, ErrBufferFull
		}
		if len(b.buf) < b.max {
			size := 2 * len(b.buf)
			if size < b.w+want {
				size = b.w + want
			}
			if size > b.max {
				size = b.max
			}
			grown := make([]byte, size)
			copy(grown, b.buf[:b.w])
			b.buf = grown
		}
	}
	end := b.w + want
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[b.w:end], nil
}

// Fill commits n bytes written into the last acquired window.
func (b *Buffer) Fill(n int) error {
	if n < 0 || b.w+n > len(b.buf) {
		return fmt.Errorf("fill %d bytes with %d free: %w", n, len(b.buf)-b.w, api.ErrInvalidArgument)
	}
	b.w += n
	return nil
}

// Consume marks n filled bytes as processed.
func (b *Buffer) Consume(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("consume %d of %d bytes: %w", n, b.Len(), api.ErrInvalidArgument)
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return nil
}

// Reset drops all content but keeps the storage for reuse.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// Release drops content and storage.
func (b *Buffer) Release() {
	b.buf = nil
	b.r, b.w = 0, 0
}
