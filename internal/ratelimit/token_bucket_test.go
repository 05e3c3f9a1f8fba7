package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	bucket := NewTokenBucket(client, 2, 0.5, time.Minute)

	d, err := bucket.Allow(ctx, "user-1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d, _ = bucket.Allow(ctx, "user-1"); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "user-1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 2*time.Second {
		t.Fatalf("retry after out of range: %s", d.RetryAfter)
	}

	// Buckets are per key.
	if d, _ = bucket.Allow(ctx, "user-2"); !d.Allowed {
		t.Fatalf("other users keep their own bucket")
	}

	// Refill is driven by the caller's clock, not Redis time, so it is not
	// exercised here with miniredis.FastForward.
}

func TestTokenBucketAllowNIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	bucket := NewTokenBucket(client, 2, 0.5, time.Minute)

	d, err := bucket.AllowN(ctx, "user-1", 3)
	if err != nil || d.Allowed {
		t.Fatalf("3 tokens exceed capacity 2, got %+v err=%v", d, err)
	}
	if d.Remaining != 2 {
		t.Fatalf("a refused request must not spend tokens, remaining=%v", d.Remaining)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %s", d.RetryAfter)
	}
	if d, _ = bucket.AllowN(ctx, "user-1", 2); !d.Allowed {
		t.Fatalf("2 tokens should fit")
	}
	if d, _ = bucket.Allow(ctx, "user-1"); d.Allowed {
		t.Fatalf("bucket should be empty")
	}
}
