package session

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and removes
// test keys before and after. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{SessionPrefix + "test_*", UserConnsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "node-test")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_c1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	sess, err := store.Get(ctx, "test_c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.Status != StatusOpen || sess.Server != "node-test" || sess.UserID != "" {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil, got %+v", sess)
	}
}

func TestBindTracksUserConnections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"test_c1", "test_c2"} {
		if err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
		if err := store.Bind(ctx, id, "test_alice", "acme"); err != nil {
			t.Fatalf("Bind(%s): %v", id, err)
		}
	}

	ids, err := store.Client().SMembers(ctx, UserConnsPrefix+"test_alice").Result()
	if err != nil {
		t.Fatalf("SMembers() error: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "test_c1" || ids[1] != "test_c2" {
		t.Fatalf("unexpected connections: %v", ids)
	}

	sess, _ := store.Get(ctx, "test_c1")
	if sess.Status != StatusAuthenticated || sess.UserID != "test_alice" || sess.CompanyID != "acme" {
		t.Errorf("unexpected session after bind: %+v", sess)
	}

	if err := store.Delete(ctx, "test_c1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ids, _ = store.Client().SMembers(ctx, UserConnsPrefix+"test_alice").Result()
	if len(ids) != 1 || ids[0] != "test_c2" {
		t.Errorf("expected only test_c2 after delete, got %v", ids)
	}
	if sess, _ := store.Get(ctx, "test_c1"); sess != nil {
		t.Errorf("expected deleted session, got %+v", sess)
	}
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	store := newTestStore(t)
	if err := store.Delete(context.Background(), "test_never"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

func TestTouchExtendsBothKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	client := store.Client()

	if err := store.Create(ctx, "test_c1"); err != nil {
		t.Fatalf("Create(): %v", err)
	}
	if err := store.Bind(ctx, "test_c1", "test_bob", "acme"); err != nil {
		t.Fatalf("Bind(): %v", err)
	}
	sessKey, userKey := SessionPrefix+"test_c1", UserConnsPrefix+"test_bob"
	client.Expire(ctx, sessKey, time.Minute)
	client.Expire(ctx, userKey, time.Minute)

	if err := store.Touch(ctx, "test_c1"); err != nil {
		t.Fatalf("Touch(): %v", err)
	}
	for _, key := range []string{sessKey, userKey} {
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			t.Fatalf("TTL(%s): %v", key, err)
		}
		if ttl <= time.Minute {
			t.Errorf("TTL(%s) = %v, want refreshed towards %v", key, ttl, SessionTTL)
		}
	}
}

func TestTouchMissingDoesNotRecreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Touch(ctx, "test_gone"); err != nil {
		t.Fatalf("Touch(): %v", err)
	}
	if n, _ := store.Client().Exists(ctx, SessionPrefix+"test_gone").Result(); n != 0 {
		t.Error("touch recreated a deleted entry")
	}
}
