// Package client provides a reusable WebSocket load test client for the
// Huddle real-time node. It connects using gobwas/ws (the same library the
// server uses), performs the connected -> authenticate handshake and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeSend         = "send"
	TypeTyping       = "typing"
	TypeSetStatus    = "set_status"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeAuthenticated    = "authenticated"
	TypeAuthError        = "auth_error"
	TypePresenceSnapshot = "presence_snapshot"
	TypeMessage          = "message"
	TypeMessageAck       = "message_ack"
	TypePresenceChanged  = "presence_changed"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// Token mints an HS256 token for userID, signed the way the server expects.
func Token(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection.
type Client struct {
	conn net.Conn

	mu           sync.Mutex
	connectionID string
	userID       string
	authErr      string
	metrics      Metrics
	handlers     map[string]func(json.RawMessage)
	authSentAt   time.Time

	authed    chan struct{}
	authOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url. If token is non-empty the client authenticates for
// companyID as soon as the server greets it; use WaitForAuth to block until
// that completes.
func New(ctx context.Context, url, token, companyID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		authed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	if token != "" {
		c.handlers[TypeConnected] = func(json.RawMessage) {
			c.mu.Lock()
			c.authSentAt = time.Now()
			c.mu.Unlock()
			_ = c.Send(map[string]string{
				"type":       TypeAuthenticate,
				"token":      token,
				"company_id": companyID,
			})
		}
	}

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendChat posts body to conversationID.
func (c *Client) SendChat(conversationID, body, clientID string) error {
	return c.Send(map[string]string{
		"type":            TypeSend,
		"conversation_id": conversationID,
		"body":            body,
		"client_id":       clientID,
	})
}

// On registers a handler for a server message type, replacing any earlier
// one. Handlers run on the read loop goroutine and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForAuth blocks until the server accepted or rejected the credential.
func (c *Client) WaitForAuth(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before authentication")
	case <-c.authed:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authErr != "" {
		return fmt.Errorf("auth_error: %s", c.authErr)
	}
	return nil
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ConnectionID returns the id the server assigned, or "" before the greeting.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// UserID returns the authenticated user id.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close, not an error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connection_id"`
			UserID       string `json:"user_id"`
			Reason       string `json:"reason"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeConnected:
			c.connectionID = envelope.ConnectionID
		case TypeAuthenticated:
			c.userID = envelope.UserID
			if !c.authSentAt.IsZero() {
				c.metrics.AuthLatency = time.Since(c.authSentAt)
			}
		case TypeAuthError:
			c.authErr = envelope.Reason
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if envelope.Type == TypeAuthenticated || envelope.Type == TypeAuthError {
			c.authOnce.Do(func() { close(c.authed) })
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
