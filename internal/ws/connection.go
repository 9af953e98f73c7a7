package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrConnectionClosed is returned by writes on a closed connection.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames. It
// is the relay's handle for the socket.
type Connection struct {
	ID           string    // connection ID (UUID)
	UserID       string    // authenticated caller
	MatchType    string    // pool the caller joined
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the connection was established
	writeTimeout time.Duration

	lastActive atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes writes to this connection
	closeOnce  sync.Once
	closed     atomic.Bool
}

func newConnection(id, userID, matchType string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		MatchType:    matchType,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Send writes a WebSocket text frame. The write mutex ensures that
// concurrent goroutines do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, f)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// CloseWithStatus sends a close frame with the given status, best effort,
// then closes the socket.
func (c *Connection) CloseWithStatus(code ws.StatusCode, reason string) error {
	_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	return c.Close()
}

// Close closes the underlying network connection. Repeated calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID. Returns true if the connection was
// found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
