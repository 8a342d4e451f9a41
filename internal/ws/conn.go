// Package ws implements the WebSocket transport: upgrading HTTP requests,
// authenticating connections, running one read-loop goroutine per
// connection, and routing inbound frames to the real-time core.
package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn wraps one upgraded WebSocket connection. It implements
// realtime.Sink: writes are serialized by a per-connection mutex and carry a
// bounded deadline, so a dead or stalled client surfaces as a write error
// instead of blocking a dispatch.
type Conn struct {
	ID        string // registry connection id, set on registration
	UserID    string
	CreatedAt time.Time

	raw          net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActive   atomic.Int64 // unix nanos of the last successful read
	teardownOnce sync.Once
}

func newConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		raw:          raw,
		writeTimeout: writeTimeout,
		CreatedAt:    time.Now(),
	}
	c.touch()
	return c
}

// Send writes a WebSocket text frame. The write mutex ensures concurrent
// dispatch goroutines never interleave frame bytes; the deadline ensures a
// hung peer turns into an error within bounded time.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.raw, ws.OpText, data)
	_ = c.raw.SetWriteDeadline(time.Time{})
	return err
}

// Close closes the underlying network connection, which also unblocks the
// connection's read loop.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// writePing sends a protocol-level ping frame, serialized with data writes.
func (c *Conn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := ws.WriteFrame(c.raw, ws.NewPingFrame(nil))
	_ = c.raw.SetWriteDeadline(time.Time{})
	return err
}

// writePong answers a protocol-level ping, echoing its payload.
func (c *Conn) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := ws.WriteFrame(c.raw, ws.NewPongFrame(payload))
	_ = c.raw.SetWriteDeadline(time.Time{})
	return err
}

// touch records read activity for heartbeat liveness checks.
func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last successful read on this
// connection.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}
