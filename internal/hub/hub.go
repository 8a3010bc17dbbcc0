// Package hub is the orchestration layer of the real-time node. It owns the
// connection registry, the room membership index and the presence
// coordinator, and runs every client operation against them.
//
// Lock order: Hub.mu, then registry, then room index, then presence. Frames
// are only ever queued (never written) while Hub.mu is held.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huddle/chat-app/internal/chat"
	"github.com/huddle/chat-app/internal/identity"
	"github.com/huddle/chat-app/internal/messaging"
	"github.com/huddle/chat-app/internal/metrics"
	"github.com/huddle/chat-app/internal/presence"
	"github.com/huddle/chat-app/internal/protocol"
	"github.com/huddle/chat-app/internal/registry"
	"github.com/huddle/chat-app/internal/room"
)

// Store is the durable store as the hub sees it.
type Store interface {
	chat.Store
	IsCompanyMember(ctx context.Context, userID, companyID string) (bool, error)
	ConversationsFor(ctx context.Context, userID, companyID string) ([]string, error)
}

// Directory mirrors connection state into a cluster-wide directory. Entries
// expire unless Touch is called while the connection is alive.
type Directory interface {
	Create(ctx context.Context, connID string) error
	Bind(ctx context.Context, connID, userID, companyID string) error
	Touch(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Publisher forwards presence transitions to other services.
type Publisher interface {
	PublishPresence(ev messaging.PresenceEvent) error
}

// Config holds hub tuning.
type Config struct {
	AuthTimeout      time.Duration // bound on a single credential verification
	StoreTimeout     time.Duration // bound on a single durable store call
	DirectoryTimeout time.Duration // bound on a single directory call
	NodeName         string        // reported in published presence events
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:      5 * time.Second,
		StoreTimeout:     5 * time.Second,
		DirectoryTimeout: 3 * time.Second,
		NodeName:         "realtime-1",
	}
}

// Hub coordinates connections, rooms, presence and the message pipeline.
type Hub struct {
	cfg      Config
	verifier identity.Verifier
	store    Store

	mu       sync.Mutex // serializes bind/close with their room and presence effects
	registry *registry.Registry
	rooms    *room.Index
	presence *presence.Coordinator
	pipeline *chat.Pipeline

	out       chat.Deliverer
	directory Directory
	publisher Publisher
}

// Option configures optional collaborators.
type Option func(*Hub)

// WithDirectory mirrors connections into d.
func WithDirectory(d Directory) Option {
	return func(h *Hub) { h.directory = d }
}

// WithPublisher publishes presence transitions through p.
func WithPublisher(p Publisher) Option {
	return func(h *Hub) { h.publisher = p }
}

// New creates a Hub. snapshots may be nil, in which case presence is not
// persisted.
func New(cfg Config, verifier identity.Verifier, store Store, snapshots *presence.SnapshotWriter, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		verifier: identity.WithTimeout(verifier, cfg.AuthTimeout),
		store:    store,
		registry: registry.New(),
		rooms:    room.NewIndex(),
		presence: presence.NewCoordinator(snapshots),
	}
	h.pipeline = chat.NewPipeline(store, h.rooms, h, cfg.StoreTimeout)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDeliverer sets where outbound frames go. It must be called before the
// first connection is opened.
func (h *Hub) SetDeliverer(out chat.Deliverer) {
	h.out = out
}

// Deliver queues data for connID on the configured deliverer.
func (h *Hub) Deliver(connID string, data []byte) error {
	if h.out == nil {
		return fmt.Errorf("hub: no deliverer configured")
	}
	return h.out.Deliver(connID, data)
}

// Open registers a new unauthenticated connection.
func (h *Hub) Open() string {
	id := h.registry.Open()

	if h.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DirectoryTimeout)
		defer cancel()
		if err := h.directory.Create(ctx, id); err != nil {
			log.Printf("[hub] directory create conn=%s failed: %v", id, err)
		}
	}
	return id
}

// Authenticate verifies credential, checks company membership, binds the
// identity and subscribes the connection to its company and conversations.
// On success the client receives "authenticated" followed by a presence
// snapshot. On failure the connection stays open and unauthenticated.
func (h *Hub) Authenticate(ctx context.Context, connID, credential, companyID string) (registry.Identity, error) {
	if companyID == "" {
		metrics.AuthAttempts.WithLabelValues("invalid").Inc()
		return registry.Identity{}, fmt.Errorf("%w: company_id is required", chat.ErrInvalidPayload)
	}

	connCtx, err := h.registry.BeginAuth(connID)
	if err != nil {
		return registry.Identity{}, err
	}

	ctx, release := withConnection(ctx, connCtx)
	defer release()

	ident, convs, err := h.resolve(ctx, credential, companyID)
	if err != nil {
		h.registry.AbortAuth(connID)
		if connCtx.Err() != nil {
			return registry.Identity{}, registry.ErrConnectionClosed
		}
		metrics.AuthAttempts.WithLabelValues(authResult(err)).Inc()
		log.Printf("[hub] auth failed conn=%s company=%s: %v", connID, companyID, err)
		return registry.Identity{}, err
	}

	if err := h.bind(connID, ident, convs); err != nil {
		return registry.Identity{}, err
	}
	metrics.AuthAttempts.WithLabelValues("ok").Inc()
	log.Printf("[hub] authenticated conn=%s user=%s company=%s conversations=%d",
		connID, ident.UserID, ident.CompanyID, len(convs))

	if h.directory != nil {
		h.bindDirectory(connID, ident)
	}
	return ident, nil
}

// withConnection derives a context from ctx that is also cancelled when the
// connection behind connCtx closes.
func withConnection(ctx, connCtx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// bindDirectory records the identity in the directory. Close may have run
// its directory delete while the bind was in flight; the entry is deleted
// again so it does not outlive the connection.
func (h *Hub) bindDirectory(connID string, ident registry.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DirectoryTimeout)
	defer cancel()

	if err := h.directory.Bind(ctx, connID, ident.UserID, ident.CompanyID); err != nil {
		log.Printf("[hub] directory bind conn=%s failed: %v", connID, err)
	}
	if _, ok := h.registry.Get(connID); ok {
		return
	}
	if err := h.directory.Delete(ctx, connID); err != nil {
		log.Printf("[hub] directory delete conn=%s after close failed: %v", connID, err)
	}
}

// resolve runs the blocking part of authentication: verifier and store.
func (h *Hub) resolve(ctx context.Context, credential, companyID string) (registry.Identity, []string, error) {
	userID, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		return registry.Identity{}, nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	member, err := h.store.IsCompanyMember(sctx, userID, companyID)
	if err != nil {
		return registry.Identity{}, nil, fmt.Errorf("%w: company membership: %v", chat.ErrStorage, err)
	}
	if !member {
		return registry.Identity{}, nil, fmt.Errorf("%w: not a member of company %s", ErrAuth, companyID)
	}

	convs, err := h.store.ConversationsFor(sctx, userID, companyID)
	if err != nil {
		return registry.Identity{}, nil, fmt.Errorf("%w: conversations: %v", chat.ErrStorage, err)
	}
	return registry.Identity{UserID: userID, CompanyID: companyID}, convs, nil
}

// bind makes the identity visible everywhere in one step, so a concurrent
// Close either sees all of it or none of it.
func (h *Hub) bind(connID string, ident registry.Identity, convs []string) error {
	topics := make([]room.Topic, 0, len(convs)+1)
	topics = append(topics, room.CompanyTopic(ident.CompanyID))
	for _, c := range convs {
		topics = append(topics, room.ConversationTopic(c))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.registry.Bind(connID, ident); err != nil {
		return err
	}
	h.rooms.SubscribeAll(connID, topics)
	metrics.AuthenticatedConnections.Inc()
	metrics.Topics.Set(float64(h.rooms.TopicCount()))

	tr, online := h.presence.Connected(ident.UserID, ident.CompanyID)

	h.send(connID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		UserID:       ident.UserID,
		CompanyID:    ident.CompanyID,
		ConnectionID: connID,
	})
	h.send(connID, protocol.TypePresenceSnapshot, h.snapshotLocked(ident.CompanyID))

	if online {
		h.announceLocked(tr)
	}
	return nil
}

// Close removes the connection from every index. If it was the identity's
// last live connection an offline transition is broadcast. Closing an
// unknown or already closed connection is a no-op.
func (h *Hub) Close(connID string) {
	h.mu.Lock()
	ident, bound, existed := h.registry.Remove(connID)
	if !existed {
		h.mu.Unlock()
		return
	}
	h.rooms.RemoveConnection(connID)
	metrics.Topics.Set(float64(h.rooms.TopicCount()))
	if bound {
		metrics.AuthenticatedConnections.Dec()
		if tr, offline := h.presence.Disconnected(ident.UserID, ident.CompanyID); offline {
			h.announceLocked(tr)
		}
	}
	h.mu.Unlock()

	if h.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DirectoryTimeout)
		defer cancel()
		if err := h.directory.Delete(ctx, connID); err != nil {
			log.Printf("[hub] directory delete conn=%s failed: %v", connID, err)
		}
	}
}

// Touch extends the directory entry of a live connection.
func (h *Hub) Touch(connID string) {
	if h.directory == nil {
		return
	}
	if _, ok := h.registry.Get(connID); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DirectoryTimeout)
	defer cancel()
	if err := h.directory.Touch(ctx, connID); err != nil {
		log.Printf("[hub] directory touch conn=%s failed: %v", connID, err)
	}
}

// Send posts a chat message from an authenticated connection. The sender's
// connection gets a message_ack; every other subscriber gets the message.
// Closing the connection abandons a send that is still waiting on the store.
func (h *Hub) Send(ctx context.Context, connID string, req protocol.SendMsg) (chat.Message, error) {
	ident, connCtx, err := h.registry.Bound(connID)
	if err != nil {
		return chat.Message{}, err
	}
	ctx, release := withConnection(ctx, connCtx)
	defer release()

	msg, err := h.pipeline.Send(ctx, chat.SendRequest{
		ConnectionID:   connID,
		SenderUserID:   ident.UserID,
		ConversationID: req.ConversationID,
		Body:           req.Body,
	})
	if err != nil {
		if connCtx.Err() != nil {
			return chat.Message{}, registry.ErrConnectionClosed
		}
		return chat.Message{}, err
	}

	h.send(connID, protocol.TypeMessageAck, protocol.MessageAckMsg{
		ClientID: req.ClientID,
		Message:  chat.ToWire(msg),
	})
	return msg, nil
}

// Typing relays a typing indicator to everyone in the conversation except
// the sender's own connections.
func (h *Hub) Typing(ctx context.Context, connID string, req protocol.TypingMsg) error {
	ident, err := h.registry.Identity(connID)
	if err != nil {
		return err
	}
	return h.pipeline.Typing(ctx, chat.TypingRequest{
		UserID:         ident.UserID,
		ConversationID: req.ConversationID,
		IsTyping:       req.IsTyping,
		Exclude:        h.registry.ConnectionsFor(ident.UserID),
	})
}

// SetStatus applies an explicit status change for the connection's identity
// and broadcasts it to the company.
func (h *Hub) SetStatus(connID string, req protocol.SetStatusMsg) error {
	ident, err := h.registry.Identity(connID)
	if err != nil {
		return err
	}
	if req.CompanyID != "" && req.CompanyID != ident.CompanyID {
		return fmt.Errorf("%w: connection is bound to another company", chat.ErrForbidden)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	tr, err := h.presence.SetStatus(ident.UserID, ident.CompanyID, req.Status, req.Message)
	if err != nil {
		return err
	}
	h.announceLocked(tr)
	return nil
}

// MembershipChanged applies an external conversation membership change to
// the user's live connections on this node. Additions are re-checked against
// the store before subscribing.
func (h *Hub) MembershipChanged(ctx context.Context, change messaging.MembershipChange) error {
	topic := room.ConversationTopic(change.ConversationID)

	switch change.Action {
	case messaging.ActionRemoved:
		h.mu.Lock()
		for _, id := range h.registry.ConnectionsFor(change.UserID) {
			h.rooms.Unsubscribe(id, topic)
		}
		metrics.Topics.Set(float64(h.rooms.TopicCount()))
		h.mu.Unlock()
		return nil

	case messaging.ActionAdded:
		sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
		ok, err := h.store.IsParticipant(sctx, change.UserID, change.ConversationID)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: participant check: %v", chat.ErrStorage, err)
		}
		if !ok {
			return nil
		}

		h.mu.Lock()
		for _, id := range h.registry.ConnectionsFor(change.UserID) {
			if change.CompanyID != "" {
				if c, found := h.registry.Get(id); !found || c.Identity == nil || c.Identity.CompanyID != change.CompanyID {
					continue
				}
			}
			h.rooms.Subscribe(id, topic)
		}
		metrics.Topics.Set(float64(h.rooms.TopicCount()))
		h.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("%w: unknown membership action %q", chat.ErrInvalidPayload, change.Action)
	}
}

// ConnectionsFor returns the open connections bound to userID.
func (h *Hub) ConnectionsFor(userID string) []string {
	return h.registry.ConnectionsFor(userID)
}

// Identity returns the identity bound to connID.
func (h *Hub) Identity(connID string) (registry.Identity, error) {
	return h.registry.Identity(connID)
}

// Presence returns the presence record of a (user, company) pair.
func (h *Hub) Presence(userID, companyID string) (presence.Record, bool) {
	return h.presence.Get(userID, companyID)
}

// Stats reports open and authenticated connection counts and live topics.
func (h *Hub) Stats() (open, authenticated, topics int) {
	open, authenticated = h.registry.Count()
	return open, authenticated, h.rooms.TopicCount()
}

func (h *Hub) snapshotLocked(companyID string) protocol.PresenceSnapshotMsg {
	records := h.presence.Online(companyID)
	users := make([]protocol.PresenceEntry, 0, len(records))
	for _, r := range records {
		users = append(users, protocol.PresenceEntry{
			UserID:   r.UserID,
			Status:   r.Status,
			Message:  r.StatusMessage,
			IsOnline: r.Online(),
		})
	}
	return protocol.PresenceSnapshotMsg{CompanyID: companyID, Users: users}
}

// announceLocked fans a transition out to the company topic and publishes it
// for other services. Callers hold h.mu so transitions for a pair leave in
// the order they happened.
func (h *Hub) announceLocked(tr presence.Transition) {
	metrics.PresenceTransitions.WithLabelValues(tr.Status).Inc()

	data, err := protocol.NewServerMessage(protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
		UserID:    tr.UserID,
		CompanyID: tr.CompanyID,
		Status:    tr.Status,
		Source:    tr.Source,
		IsOnline:  tr.IsOnline,
		Message:   tr.Message,
		Timestamp: tr.At,
	})
	if err != nil {
		log.Printf("[hub] encode presence user=%s failed: %v", tr.UserID, err)
		return
	}

	for _, id := range h.rooms.SubscribersOf(room.CompanyTopic(tr.CompanyID)) {
		if err := h.Deliver(id, data); err != nil {
			log.Printf("[hub] presence delivery to %s failed: %v", id, err)
		}
	}

	if h.publisher != nil {
		err := h.publisher.PublishPresence(messaging.PresenceEvent{
			UserID:    tr.UserID,
			CompanyID: tr.CompanyID,
			Status:    tr.Status,
			Source:    tr.Source,
			IsOnline:  tr.IsOnline,
			Message:   tr.Message,
			Node:      h.cfg.NodeName,
			Timestamp: tr.At,
		})
		if err != nil {
			log.Printf("[hub] publish presence user=%s failed: %v", tr.UserID, err)
		}
	}
	log.Printf("[hub] presence user=%s company=%s status=%s source=%s",
		tr.UserID, tr.CompanyID, tr.Status, tr.Source)
}

// send encodes payload and queues it for connID.
func (h *Hub) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] encode %s for conn=%s failed: %v", msgType, connID, err)
		return
	}
	if err := h.Deliver(connID, data); err != nil {
		log.Printf("[hub] deliver %s to conn=%s failed: %v", msgType, connID, err)
	}
}

func authResult(err error) string {
	switch ErrorCode(err) {
	case CodeAuthError:
		return "unauthorized"
	default:
		return "error"
	}
}
