// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the core interfaces.

package fake

import (
	"code.hybscloud.com/iox"
	"github.com/momentics/hioload-conn/api"
)

// Step is one scripted outcome of Conn.Read or Conn.Write.
// For reads Data is copied into the caller's buffer; for writes N caps how
// many bytes are accepted (0 means all).
type Step struct {
	Data []byte
	N    int
	Err  error
}

// Conn is a scripted non-blocking api.NetConn. An exhausted script behaves
// like an idle socket and reports iox.ErrWouldBlock.
type Conn struct {
	FD     api.FD
	Reads  []Step
	Writes []Step

	// Written collects every byte accepted by Write.
	Written []byte

	ReadCalls  int
	WriteCalls int
	Closed     bool
}

// NewConn returns a scripted connection for fd.
func NewConn(fd api.FD) *Conn {
	return &Conn{FD: fd}
}

// QueueRead appends a read step delivering data.
func (c *Conn) QueueRead(data []byte) *Conn {
	c.Reads = append(c.Reads, Step{Data: data})
	return c
}

// QueueReadErr appends a read step failing with err.
func (c *Conn) QueueReadErr(err error) *Conn {
	c.Reads = append(c.Reads, Step{Err: err})
	return c
}

// QueueEOF appends an orderly close (zero-byte read).
func (c *Conn) QueueEOF() *Conn {
	c.Reads = append(c.Reads, Step{Data: []byte{}})
	return c
}

// Read implements api.NetConn.
func (c *Conn) Read(p []byte) (int, error) {
	c.ReadCalls++
	if len(c.Reads) == 0 {
		return 0, iox.ErrWouldBlock
	}
	st := c.Reads[0]
	if st.Err != nil {
		c.Reads = c.Reads[1:]
		return 0, st.Err
	}
	n := copy(p, st.Data)
	if n < len(st.Data) {
		c.Reads[0].Data = st.Data[n:]
	} else {
		c.Reads = c.Reads[1:]
	}
	return n, nil
}

// Write implements api.NetConn.
func (c *Conn) Write(p []byte) (int, error) {
	c.WriteCalls++
	n := len(p)
	if len(c.Writes) > 0 {
		st := c.Writes[0]
		c.Writes = c.Writes[1:]
		if st.Err != nil {
			return 0, st.Err
		}
		if st.N > 0 && st.N < n {
			n = st.N
		}
	}
	c.Written = append(c.Written, p[:n]...)
	return n, nil
}

// Close implements api.NetConn.
func (c *Conn) Close() error {
	c.Closed = true
	return nil
}

// RawFD implements api.NetConn.
func (c *Conn) RawFD() api.FD { return c.FD }
