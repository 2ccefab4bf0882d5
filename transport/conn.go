// Package transport provides the local stream that pipe-rpc peers talk over.
//
// Peers rendezvous on a name; the name resolves to a Unix domain socket path.
// Conn wraps the accepted or dialed stream so that frames written by several
// goroutines never interleave, and so that writes after the peer has gone
// away fail fast instead of blocking a handler's response path.
//
//	handler-1 ──WriteFrame──┐
//	handler-2 ──WriteFrame──┼──→ Conn (write lock) ──→ peer
//	handler-3 ──WriteFrame──┘
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pipe-rpc/protocol"
)

// ErrNotWritable is returned by WriteFrame once the stream is closed or broken.
var ErrNotWritable = errors.New("transport: stream not writable")

// Conn is a frame-oriented view over one duplex stream.
type Conn struct {
	conn         net.Conn
	sending      sync.Mutex // Frames must be written whole, one at a time
	broken       atomic.Bool
	closed       atomic.Bool
	writeTimeout time.Duration
}

// NewConn wraps conn. A zero writeTimeout means writes never time out.
func NewConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

// Writable reports whether frames can still be written.
func (c *Conn) Writable() bool {
	return !c.closed.Load() && !c.broken.Load()
}

// WriteFrame escapes payload for direction d, appends the terminator, and
// writes the frame in a single call under the write lock. A failed write
// leaves the Conn unwritable.
func (c *Conn) WriteFrame(d protocol.Direction, payload []byte) error {
	frame := protocol.Encode(d, payload)

	c.sending.Lock()
	defer c.sending.Unlock()
	if !c.Writable() {
		return ErrNotWritable
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

// Read reads raw bytes from the stream.
func (c *Conn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// StopReading unblocks a pending Read and makes further reads fail, while
// leaving the stream writable.
func (c *Conn) StopReading() {
	c.conn.SetReadDeadline(time.Now())
}

// Close closes the stream. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// RemoteAddr returns the peer address, which is usually empty for unix sockets.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
