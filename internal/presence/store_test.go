package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tests here exercise the degraded paths: with no backing store (nil client)
// or an unreachable one, every read reports offline/empty/zero and every
// write is silently dropped. The store must never surface an error into a
// delivery path.

func TestNilClientDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	s := New(nil, Options{})

	s.SetOnline(ctx, "alice")
	s.Refresh(ctx, "alice")
	s.SetOffline(ctx, "alice")
	if s.IsOnline(ctx, "alice") {
		t.Fatal("nil store should always report offline")
	}

	if got := s.BatchIsOnline(ctx, []string{"a", "b"}); len(got) != 2 || got["a"] || got["b"] {
		t.Fatalf("batch online on nil store = %v, want all offline", got)
	}
	if got := s.BatchLastSeen(ctx, []string{"a"}); len(got) != 1 || !got["a"].IsZero() {
		t.Fatalf("batch last seen on nil store = %v, want zero times", got)
	}
	if !s.LastSeen(ctx, "alice").IsZero() {
		t.Fatal("last seen on nil store should be zero")
	}

	s.SetTyping(ctx, "conv1", "alice", true)
	if got := s.TypingUserIDs(ctx, "conv1"); len(got) != 0 {
		t.Fatalf("typing on nil store = %v, want empty", got)
	}

	s.IncrementUnread(ctx, "bob", "conv1")
	s.ClearUnread(ctx, "bob", "conv1")
	s.ClearAllUnread(ctx, "bob")
	if got := s.UnreadCounts(ctx, "bob"); len(got) != 0 {
		t.Fatalf("unread on nil store = %v, want empty", got)
	}

	s.SetCallMeta(ctx, CallMeta{CallID: "c1"})
	if _, ok := s.CallMeta(ctx, "c1"); ok {
		t.Fatal("call meta on nil store should not be found")
	}
}

func TestUnreachableStoreDegradesGracefully(t *testing.T) {
	// Nothing listens here; every command fails fast and the store must
	// swallow it.
	rdb := redis.NewClient(&redis.Options{
		Addr:            "127.0.0.1:1",
		DialTimeout:     50 * time.Millisecond,
		ReadTimeout:     50 * time.Millisecond,
		WriteTimeout:    50 * time.Millisecond,
		MaxRetries:      -1,
		PoolTimeout:     100 * time.Millisecond,
		MinIdleConns:    0,
		ConnMaxIdleTime: time.Second,
	})
	defer rdb.Close()

	ctx := context.Background()
	s := New(rdb, Options{})

	s.SetOnline(ctx, "alice")
	if s.IsOnline(ctx, "alice") {
		t.Fatal("unreachable store should report offline")
	}
	if got := s.BatchIsOnline(ctx, []string{"alice"}); got["alice"] {
		t.Fatalf("batch online should read offline, got %v", got)
	}
	s.SetTyping(ctx, "conv1", "alice", true)
	if got := s.TypingUserIDs(ctx, "conv1"); len(got) != 0 {
		t.Fatalf("typing should read empty, got %v", got)
	}
	s.IncrementUnread(ctx, "bob", "conv1")
	if got := s.UnreadCounts(ctx, "bob"); len(got) != 0 {
		t.Fatalf("unread should read empty, got %v", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	s := New(nil, Options{})
	if s.onlineTTL != 300*time.Second {
		t.Fatalf("online ttl default = %v", s.onlineTTL)
	}
	if s.typingTTL != 10*time.Second {
		t.Fatalf("typing ttl default = %v", s.typingTTL)
	}
	if s.lastSeenTTL != 7*24*time.Hour {
		t.Fatalf("last seen ttl default = %v", s.lastSeenTTL)
	}
	if s.callTTL != 2*time.Hour {
		t.Fatalf("call ttl default = %v", s.callTTL)
	}
}
