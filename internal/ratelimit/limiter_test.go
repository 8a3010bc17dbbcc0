package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}

	ok, err := l.Allow(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected fourth request to be limited")
	}

	retry, err := l.RetryAfter(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("RetryAfter() error: %v", err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("unexpected retry-after %s", retry)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow(ctx, "alice", rule); !ok {
		t.Fatal("alice limited on first request")
	}
	if ok, _ := l.Allow(ctx, "bob", rule); !ok {
		t.Fatal("bob limited by alice's usage")
	}
}

func TestWindowResets(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 200 * time.Millisecond}

	l.Allow(ctx, "carol", rule)
	if ok, _ := l.Allow(ctx, "carol", rule); ok {
		t.Fatal("expected second request to be limited")
	}
	time.Sleep(300 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "carol", rule); !ok {
		t.Fatal("expected window to reset")
	}
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "dave", RuleSend)
	if err == nil {
		t.Fatal("expected an error from unreachable redis")
	}
	if !ok {
		t.Fatal("limiter must fail open")
	}
}
