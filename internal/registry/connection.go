package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by Send once the transport is no longer open.
var ErrConnectionClosed = errors.New("connection closed")

// Transport abstracts the write side of an accepted socket so the registry
// stays ignorant of everything but send and close.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one accepted duplex session tracked by the registry.
type Connection struct {
	ID          string
	UserID      string
	RemoteIP    string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex

	lastActive atomic.Int64
	sent       atomic.Int64
	failed     atomic.Int64
	open       atomic.Bool
	released   atomic.Bool

	hubSent   *atomic.Int64
	hubFailed *atomic.Int64
}

// Send writes a single text frame to the peer. Writes are serialized so the
// session handler and the broadcast engine never interleave frames.
func (c *Connection) Send(payload []byte) error {
	if !c.open.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	err := c.transport.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.failed.Add(1)
		c.hubFailed.Add(1)
		return err
	}
	c.Touch()
	c.sent.Add(1)
	c.hubSent.Add(1)
	return nil
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActivity reports when the connection last sent or received successfully.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Open reports whether the transport is still considered writable.
func (c *Connection) Open() bool {
	return c.open.Load()
}

// MarkClosed flags the transport as unusable. Idempotent.
func (c *Connection) MarkClosed() {
	c.open.Store(false)
}

// CloseTransport closes the underlying socket, best effort.
func (c *Connection) CloseTransport() error {
	c.MarkClosed()
	return c.transport.Close()
}

// SentCount reports frames delivered to this connection.
func (c *Connection) SentCount() int64 { return c.sent.Load() }

// FailedCount reports delivery failures on this connection.
func (c *Connection) FailedCount() int64 { return c.failed.Load() }
