//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server can run on macOS and Windows during development. Each
// connection gets a monitor goroutine that peeks for data through a buffered
// reader and then waits for the server to finish reading before peeking
// again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{br: bufio.NewReader(conn), resume: make(chan struct{}, 1)}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor signals readiness whenever conn has buffered data or fails, then
// waits for Resume so it never reads concurrently with the server.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-e.done:
			return
		}
	}
}

// Reader returns the buffered reader the monitor peeks through, so no byte
// it consumed is lost.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w := e.conns[conn]
	e.mu.RUnlock()
	if w == nil {
		return conn
	}
	return w.br
}

// Resume lets the monitor for conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	w := e.conns[conn]
	e.mu.RUnlock()
	if w == nil {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms; the fallback does not need file
// descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
