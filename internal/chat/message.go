// Package chat implements the message ingress pipeline: validate an inbound
// send, authorize the sender against conversation membership, persist the
// message and fan it out to the conversation's subscribers.
package chat

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidPayload means the request was malformed; nothing happened.
	ErrInvalidPayload = errors.New("chat: invalid payload")

	// ErrForbidden means the sender is not a participant of the conversation.
	ErrForbidden = errors.New("chat: not a participant of conversation")

	// ErrStorage means the durable store failed; nothing was broadcast.
	ErrStorage = errors.New("chat: storage error")
)

// Message is a persisted chat message. It is never mutated after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderUserID   string    `json:"sender_user_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the slice of the durable store the pipeline needs.
type Store interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	PersistMessage(ctx context.Context, conversationID, senderUserID, body string) (Message, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
}
