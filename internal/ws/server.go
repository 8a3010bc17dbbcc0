// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, queueing outbound
// frames and dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/huddle/chat-app/internal/metrics"
	"github.com/huddle/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string         // address to listen on, e.g. ":8080"
	WorkerPoolSize int            // max concurrent read-worker goroutines
	MaxConnections int            // hard cap on total connections
	ReadTimeout    time.Duration  // timeout for WebSocket read operations
	WriteTimeout   time.Duration  // timeout for a single outbound frame
	QueueSize      int            // per-connection outbound queue capacity
	OverflowPolicy OverflowPolicy // what to do when the outbound queue is full
	MaxFrameBytes  int64          // inbound data frames larger than this close the connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		QueueSize:      256,
		OverflowPolicy: OverflowDisconnect,
		MaxFrameBytes:  64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Lifecycle is notified when connections come and go. Open returns the id the
// new connection is known by; Close is called exactly once per id. Touch is
// called by the heartbeat for every connection that is still alive.
type Lifecycle interface {
	Open() string
	Close(connID string)
	Touch(connID string)
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading. Outbound frames are
// written by one goroutine per connection.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	lifecycle  Lifecycle
	workerPool chan struct{}                        // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, lifecycle Lifecycle, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.OverflowPolicy == "" {
		config.OverflowPolicy = OverflowDisconnect
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		lifecycle:  lifecycle,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, queue=%d, overflow=%s)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections,
		s.config.QueueSize, s.config.OverflowPolicy)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, then attaches it and registers it with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := s.attach(conn)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s fd=%d (total=%d)", c.ID, c.Fd, s.conns.Count())
}

// attach registers an upgraded connection, starts its writer and greets the
// client with its connection id.
func (s *Server) attach(conn net.Conn) *Connection {
	id := s.lifecycle.Open()
	c := newConnection(id, conn, s.config.QueueSize, s.config.OverflowPolicy, s.config.WriteTimeout)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go c.writeLoop(s.onWriteError)

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: id})
	if err != nil {
		log.Printf("ws: failed to build connected for conn=%s: %v", id, err)
	} else if err := s.Deliver(id, hello); err != nil {
		log.Printf("ws: failed to queue connected for conn=%s: %v", id, err)
	}
	return c
}

func (s *Server) onWriteError(c *Connection, err error) {
	if !c.IsClosed() {
		log.Printf("ws: write failed conn=%s: %v", c.ID, err)
	}
	s.RemoveConnection(c)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	r := s.reader(netConn)
	header, reader, err := wsutil.NextReader(r, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		// Control payloads are at most 125 bytes and must be drained so the
		// next frame header lines up.
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.WritePong(payload); err != nil {
				log.Printf("ws: pong failed conn=%s: %v", c.ID, err)
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) reader(conn net.Conn) io.Reader {
	if s.epoll == nil {
		return conn
	}
	return s.epoll.Reader(conn)
}

func (s *Server) resume(conn net.Conn) {
	if s.epoll != nil {
		s.epoll.Resume(conn)
	}
}

// Deliver queues data for connID without blocking. A connection whose queue
// overflows under the disconnect policy is torn down in the background; the
// caller only sees the error.
func (s *Server) Deliver(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		metrics.DeliveriesDropped.WithLabelValues("closed").Inc()
		return ErrConnectionNotFound
	}

	before := c.Dropped()
	err := c.Enqueue(data)
	switch {
	case err == nil:
		if c.Dropped() > before {
			metrics.DeliveriesDropped.WithLabelValues("queue_full").Inc()
		}
		return nil
	case errors.Is(err, ErrQueueFull):
		metrics.DeliveriesDropped.WithLabelValues("queue_full").Inc()
		log.Printf("ws: outbound queue full conn=%s, disconnecting", connID)
		// Callers may hold locks that RemoveConnection's lifecycle hook
		// needs.
		go s.RemoveConnection(c)
		return fmt.Errorf("%w: conn=%s", ErrQueueFull, connID)
	default:
		metrics.DeliveriesDropped.WithLabelValues("closed").Inc()
		return err
	}
}

// RemoveConnection removes a connection from epoll and the connection manager,
// closes it and notifies the lifecycle. Only the first caller for a given
// connection does any work.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.lifecycle != nil {
		s.lifecycle.Close(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
