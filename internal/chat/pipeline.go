package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/huddle/chat-app/internal/metrics"
	"github.com/huddle/chat-app/internal/protocol"
	"github.com/huddle/chat-app/internal/room"
)

// Subscribers resolves the current subscriber set of a topic.
type Subscribers interface {
	SubscribersOf(topic room.Topic) []string
}

// Deliverer hands an encoded frame to one connection's outbound queue. It
// must not block on the network.
type Deliverer interface {
	Deliver(connID string, data []byte) error
}

// SendRequest is an authenticated send as seen by the pipeline.
type SendRequest struct {
	ConnectionID   string // originating connection, receives the ack instead of the broadcast
	SenderUserID   string
	ConversationID string
	Body           string
}

// TypingRequest is an authenticated typing indicator.
type TypingRequest struct {
	UserID         string
	ConversationID string
	IsTyping       bool
	Exclude        []string // connections that must not receive the event (the sender's own)
}

// Pipeline runs sends through Received -> Authorized -> Persisted ->
// Broadcast. Sends to the same conversation are serialized from persistence
// through fan-out, so subscribers see messages in persistence order.
type Pipeline struct {
	store   Store
	subs    Subscribers
	out     Deliverer
	timeout time.Duration
	convs   *keyedMutex
}

// NewPipeline creates a Pipeline. Each store call is bounded by timeout.
func NewPipeline(store Store, subs Subscribers, out Deliverer, timeout time.Duration) *Pipeline {
	return &Pipeline{
		store:   store,
		subs:    subs,
		out:     out,
		timeout: timeout,
		convs:   newKeyedMutex(),
	}
}

// Send validates, authorizes, persists and broadcasts one message. The
// returned Message is what the originating connection should be acked with.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (Message, error) {
	start := time.Now()

	body, err := ValidateSend(req.ConversationID, req.Body)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return Message{}, err
	}

	if err := p.authorize(ctx, req.SenderUserID, req.ConversationID); err != nil {
		metrics.MessagesTotal.WithLabelValues(outcome(err)).Inc()
		return Message{}, err
	}

	unlock := p.convs.Lock(req.ConversationID)
	defer unlock()

	msg, err := p.persist(ctx, req.ConversationID, req.SenderUserID, body)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("storage_error").Inc()
		return Message{}, err
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		ConversationID: msg.ConversationID,
		Message:        ToWire(msg),
	})
	if err != nil {
		// The message is durable; the sender still gets its ack.
		log.Printf("[chat] encode message=%s failed: %v", msg.ID, err)
		return msg, nil
	}

	delivered := p.broadcast(room.ConversationTopic(msg.ConversationID), data, req.ConnectionID)
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	log.Printf("[chat] message=%s conversation=%s sender=%s delivered=%d",
		msg.ID, msg.ConversationID, msg.SenderUserID, delivered)
	return msg, nil
}

// Typing authorizes the sender and relays the indicator to the
// conversation's subscribers. Nothing is persisted.
func (p *Pipeline) Typing(ctx context.Context, req TypingRequest) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidPayload)
	}
	if err := p.authorize(ctx, req.UserID, req.ConversationID); err != nil {
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		IsTyping:       req.IsTyping,
	})
	if err != nil {
		return fmt.Errorf("chat: encode typing: %w", err)
	}

	p.broadcast(room.ConversationTopic(req.ConversationID), data, req.Exclude...)
	return nil
}

// authorize checks conversation membership against the store on every call;
// membership can change between subscription and send.
func (p *Pipeline) authorize(ctx context.Context, userID, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ok, err := p.store.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("%w: participant check: %v", ErrStorage, err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, conversationID, senderUserID, body string) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.store.PersistMessage(ctx, conversationID, senderUserID, body)
	if err != nil {
		return Message{}, fmt.Errorf("%w: persist message: %v", ErrStorage, err)
	}

	// The message is already durable at this point; a failed touch only
	// leaves the conversation's ordering timestamp stale.
	if err := p.store.TouchConversation(ctx, conversationID, msg.CreatedAt); err != nil {
		log.Printf("[chat] touch conversation=%s failed: %v", conversationID, err)
	}
	return msg, nil
}

// broadcast delivers data to every subscriber of topic except the excluded
// connections. A failing subscriber never affects the others.
func (p *Pipeline) broadcast(topic room.Topic, data []byte, exclude ...string) int {
	delivered := 0
	for _, id := range p.subs.SubscribersOf(topic) {
		if contains(exclude, id) {
			continue
		}
		if err := p.out.Deliver(id, data); err != nil {
			metrics.DeliveriesDropped.WithLabelValues("deliver_error").Inc()
			log.Printf("[chat] delivery to %s on %s failed: %v", id, topic, err)
			continue
		}
		delivered++
	}
	return delivered
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func outcome(err error) string {
	if errors.Is(err, ErrForbidden) {
		return "forbidden"
	}
	return "storage_error"
}

// ToWire converts a Message into its protocol representation.
func ToWire(m Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderUserID:   m.SenderUserID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}
