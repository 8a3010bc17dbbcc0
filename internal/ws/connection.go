package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnectionNotFound is returned when delivering to an unknown id.
	ErrConnectionNotFound = errors.New("ws: connection not found")

	// ErrConnectionClosed is returned when delivering to a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrQueueFull is returned when the outbound queue overflowed under the
	// disconnect policy. The connection is being torn down.
	ErrQueueFull = errors.New("ws: outbound queue full")
)

// OverflowPolicy decides what happens when a connection's outbound queue is
// full.
type OverflowPolicy string

const (
	// OverflowDisconnect closes the slow connection.
	OverflowDisconnect OverflowPolicy = "disconnect"
	// OverflowDropOldest discards the oldest queued frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy validates a policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case OverflowDisconnect, OverflowDropOldest:
		return p, nil
	default:
		return "", fmt.Errorf("ws: unknown overflow policy %q", s)
	}
}

// Connection represents a single WebSocket client connection. Outbound frames
// go through a bounded queue drained by one writer goroutine, so a slow
// client never blocks whoever is fanning out to it.
type Connection struct {
	ID        string    // connection id assigned by the registry
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 when unavailable
	CreatedAt time.Time // when the connection was established

	lastActivity atomic.Int64 // unix nanos of the last inbound frame
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	dropped      atomic.Int64 // frames discarded under drop_oldest

	policy  OverflowPolicy
	timeout time.Duration // per-frame write deadline

	writeMu sync.Mutex // serializes frames on the wire
	queueMu sync.Mutex // guards send against close
	send    chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newConnection(id string, conn net.Conn, queueSize int, policy OverflowPolicy, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		policy:    policy,
		timeout:   writeTimeout,
		send:      make(chan []byte, queueSize),
		closed:    make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Dropped returns how many frames were discarded by drop_oldest.
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

// Enqueue queues data for the writer goroutine without blocking. Under the
// disconnect policy a full queue returns ErrQueueFull and the caller is
// expected to tear the connection down.
func (c *Connection) Enqueue(data []byte) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
	}

	if c.policy != OverflowDropOldest {
		return ErrQueueFull
	}

	// Only Enqueue sends on c.send and it holds queueMu, so after one
	// receive there is room.
	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}
	c.send <- data
	return nil
}

// writeLoop drains the outbound queue until the connection closes. onError is
// called once if a write fails.
func (c *Connection) writeLoop(onError func(*Connection, error)) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				if onError != nil {
					onError(c, err)
				}
				return
			}
		}
	}
}

// WriteMessage writes a text frame directly, bypassing the queue. The write
// mutex keeps it from interleaving with the writer goroutine or pings.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close stops the writer goroutine and closes the network connection. It is
// safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.queueMu.Lock()
		close(c.closed)
		c.queueMu.Unlock()
		err = c.Conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ConnectionManager is a thread-safe index of live connections by id and by
// their network connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection, for readiness lookups
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
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
