package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Membership change actions.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// MembershipChange is published by the conversation service when a user joins
// or leaves a conversation. CompanyID, when set, limits an "added" change to
// connections authenticated in that company.
type MembershipChange struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	CompanyID      string `json:"company_id,omitempty"`
	Action         string `json:"action"`
}

// DecodeMembershipChange parses and validates a membership change payload.
func DecodeMembershipChange(data []byte) (MembershipChange, error) {
	var m MembershipChange
	if err := json.Unmarshal(data, &m); err != nil {
		return MembershipChange{}, fmt.Errorf("messaging: decode membership change: %w", err)
	}
	if m.UserID == "" || m.ConversationID == "" {
		return MembershipChange{}, fmt.Errorf("messaging: membership change missing user_id or conversation_id")
	}
	if m.Action != ActionAdded && m.Action != ActionRemoved {
		return MembershipChange{}, fmt.Errorf("messaging: unknown membership action %q", m.Action)
	}
	return m, nil
}

// PresenceEvent is the cross-service form of a presence transition.
type PresenceEvent struct {
	UserID    string    `json:"user_id"`
	CompanyID string    `json:"company_id"`
	Status    string    `json:"status"`
	Source    string    `json:"source"`
	IsOnline  bool      `json:"is_online"`
	Message   string    `json:"message,omitempty"`
	Node      string    `json:"node"`
	Timestamp time.Time `json:"timestamp"`
}
