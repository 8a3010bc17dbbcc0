// Package room maintains the in-memory index of which connections are
// subscribed to which fan-out topic. Topics exist only while at least one
// connection is subscribed.
package room

import (
	"sort"
	"strings"
	"sync"
)

// Topic is a fan-out scope key: "conversation:<id>" or "company:<id>".
type Topic string

const (
	conversationPrefix = "conversation:"
	companyPrefix      = "company:"
)

// ConversationTopic returns the topic carrying one conversation's messages
// and typing events.
func ConversationTopic(conversationID string) Topic {
	return Topic(conversationPrefix + conversationID)
}

// CompanyTopic returns the topic carrying presence broadcasts for a company.
func CompanyTopic(companyID string) Topic {
	return Topic(companyPrefix + companyID)
}

// IsConversation reports whether t is a conversation topic.
func (t Topic) IsConversation() bool {
	return strings.HasPrefix(string(t), conversationPrefix)
}

// Index maps topics to subscriber connection ids and connections back to the
// topics they are subscribed to. It performs no authorization; callers must
// check access before subscribing.
type Index struct {
	mu     sync.RWMutex
	topics map[Topic]map[string]struct{}  // topic -> set of connection ids
	byConn map[string]map[Topic]struct{} // connection id -> set of topics
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		topics: make(map[Topic]map[string]struct{}),
		byConn: make(map[string]map[Topic]struct{}),
	}
}

// Subscribe adds connID to topic. Subscribing twice is a no-op.
func (x *Index) Subscribe(connID string, topic Topic) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.subscribeLocked(connID, topic)
}

// SubscribeAll adds connID to every topic under a single lock acquisition.
func (x *Index) SubscribeAll(connID string, topics []Topic) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, t := range topics {
		x.subscribeLocked(connID, t)
	}
}

func (x *Index) subscribeLocked(connID string, topic Topic) {
	subs := x.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		x.topics[topic] = subs
	}
	subs[connID] = struct{}{}

	mine := x.byConn[connID]
	if mine == nil {
		mine = make(map[Topic]struct{})
		x.byConn[connID] = mine
	}
	mine[topic] = struct{}{}
}

// Unsubscribe removes connID from topic. Unsubscribing a connection that is
// not subscribed is a no-op.
func (x *Index) Unsubscribe(connID string, topic Topic) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.unsubscribeLocked(connID, topic)
}

// RemoveConnection drops connID from every topic it is subscribed to.
func (x *Index) RemoveConnection(connID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for topic := range x.byConn[connID] {
		x.unsubscribeLocked(connID, topic)
	}
	delete(x.byConn, connID)
}

func (x *Index) unsubscribeLocked(connID string, topic Topic) {
	if subs := x.topics[topic]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(x.topics, topic)
		}
	}
	if mine := x.byConn[connID]; mine != nil {
		delete(mine, topic)
		if len(mine) == 0 {
			delete(x.byConn, connID)
		}
	}
}

// SubscribersOf returns a sorted snapshot of the connections subscribed to
// topic. The slice is safe to use after the call returns.
func (x *Index) SubscribersOf(topic Topic) []string {
	x.mu.RLock()
	subs := x.topics[topic]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	x.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// TopicsOf returns the topics connID is subscribed to.
func (x *Index) TopicsOf(connID string) []Topic {
	x.mu.RLock()
	mine := x.byConn[connID]
	topics := make([]Topic, 0, len(mine))
	for t := range mine {
		topics = append(topics, t)
	}
	x.mu.RUnlock()

	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// IsSubscribed reports whether connID is currently subscribed to topic.
func (x *Index) IsSubscribed(connID string, topic Topic) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.topics[topic][connID]
	return ok
}

// TopicCount returns the number of live topics.
func (x *Index) TopicCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.topics)
}
