// Package protocol defines the WebSocket message types and structures used for
// communication between clients and the real-time node. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg carries the bearer credential and the company the client
// wants to act in.
type AuthenticateMsg struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	CompanyID string `json:"company_id"`
}

// SendMsg is a chat message the client wants to post. ClientID is an opaque
// value echoed back in the ack so the client can reconcile its local echo.
type SendMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	ClientID       string `json:"client_id,omitempty"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// SetStatusMsg sets the user's explicit status within a company.
type SetStatusMsg struct {
	Type      string `json:"type"`
	CompanyID string `json:"company_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent when the transport is accepted. The connection is not
// authenticated yet.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// AuthenticatedMsg confirms the identity bound to the connection.
type AuthenticatedMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	CompanyID    string `json:"company_id"`
	ConnectionID string `json:"connection_id"`
}

// AuthErrorMsg reports a rejected authentication. The connection stays open
// and the client may retry.
type AuthErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PresenceEntry is one user in a presence snapshot.
type PresenceEntry struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	IsOnline bool   `json:"is_online"`
}

// PresenceSnapshotMsg lists the users currently online in a company.
type PresenceSnapshotMsg struct {
	Type      string          `json:"type"`
	CompanyID string          `json:"company_id"`
	Users     []PresenceEntry `json:"users"`
}

// ChatMessage is the wire form of a persisted message.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderUserID   string    `json:"sender_user_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// ServerChatMsg delivers a persisted message to a conversation subscriber.
type ServerChatMsg struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Message        ChatMessage `json:"message"`
}

// MessageAckMsg acknowledges a send to the originating connection.
type MessageAckMsg struct {
	Type     string      `json:"type"`
	ClientID string      `json:"client_id,omitempty"`
	Message  ChatMessage `json:"message"`
}

// ServerTypingMsg relays another user's typing indicator.
type ServerTypingMsg struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// PresenceChangedMsg announces a presence transition within a company.
// Source is "connection" for online/offline derived from live connections
// and "status" for an explicit status change.
type PresenceChangedMsg struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	CompanyID string    `json:"company_id"`
	Status    string    `json:"status"`
	Source    string    `json:"source"`
	IsOnline  bool      `json:"is_online"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetStatus:
		var m SetStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
