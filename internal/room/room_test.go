package room

import (
	"fmt"
	"sync"
	"testing"
)

func TestTopicKeys(t *testing.T) {
	if got := ConversationTopic("42"); got != "conversation:42" {
		t.Errorf("ConversationTopic = %q", got)
	}
	if got := CompanyTopic("acme"); got != "company:acme" {
		t.Errorf("CompanyTopic = %q", got)
	}
	if !ConversationTopic("1").IsConversation() {
		t.Error("expected conversation topic")
	}
	if CompanyTopic("1").IsConversation() {
		t.Error("company topic reported as conversation")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	x := NewIndex()
	topic := ConversationTopic("c1")

	x.Subscribe("conn-a", topic)
	x.Subscribe("conn-a", topic)
	x.Subscribe("conn-b", topic)

	subs := x.SubscribersOf(topic)
	if fmt.Sprint(subs) != "[conn-a conn-b]" {
		t.Fatalf("SubscribersOf = %v", subs)
	}
}

func TestUnsubscribeGarbageCollectsTopic(t *testing.T) {
	x := NewIndex()
	topic := ConversationTopic("c1")

	x.Subscribe("conn-a", topic)
	x.Unsubscribe("conn-a", topic)
	x.Unsubscribe("conn-a", topic) // no-op

	if n := x.TopicCount(); n != 0 {
		t.Fatalf("expected topic to be collected, %d topics remain", n)
	}
	if subs := x.SubscribersOf(topic); len(subs) != 0 {
		t.Fatalf("expected no subscribers, got %v", subs)
	}
	if topics := x.TopicsOf("conn-a"); len(topics) != 0 {
		t.Fatalf("expected no topics for conn-a, got %v", topics)
	}
}

func TestRemoveConnection(t *testing.T) {
	x := NewIndex()
	x.SubscribeAll("conn-a", []Topic{CompanyTopic("acme"), ConversationTopic("c1"), ConversationTopic("c2")})
	x.SubscribeAll("conn-b", []Topic{CompanyTopic("acme"), ConversationTopic("c1")})

	x.RemoveConnection("conn-a")

	if x.IsSubscribed("conn-a", ConversationTopic("c1")) {
		t.Error("conn-a still subscribed to c1")
	}
	if subs := x.SubscribersOf(ConversationTopic("c1")); fmt.Sprint(subs) != "[conn-b]" {
		t.Errorf("c1 subscribers = %v", subs)
	}
	if n := x.TopicCount(); n != 2 {
		t.Errorf("expected 2 live topics (company:acme, conversation:c1), got %d", n)
	}

	x.RemoveConnection("conn-a") // idempotent
	x.RemoveConnection("conn-b")
	if n := x.TopicCount(); n != 0 {
		t.Errorf("expected empty index, got %d topics", n)
	}
}

func TestSubscribersSnapshotIsDetached(t *testing.T) {
	x := NewIndex()
	topic := CompanyTopic("acme")
	x.Subscribe("conn-a", topic)

	subs := x.SubscribersOf(topic)
	x.Subscribe("conn-b", topic)

	if len(subs) != 1 {
		t.Fatalf("snapshot changed after subscribe: %v", subs)
	}
}

func TestConcurrentSubscribe(t *testing.T) {
	x := NewIndex()
	topic := ConversationTopic("busy")
	var wg sync.WaitGroup

	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", n)
			for i := 0; i < 200; i++ {
				x.Subscribe(id, topic)
				_ = x.SubscribersOf(topic)
				x.Unsubscribe(id, topic)
			}
			x.Subscribe(id, topic)
		}(g)
	}
	wg.Wait()

	if n := len(x.SubscribersOf(topic)); n != 20 {
		t.Fatalf("expected 20 subscribers, got %d", n)
	}
}
