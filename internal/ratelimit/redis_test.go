package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreFixedWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	ctx := context.Background()

	count, resetIn, err := store.Hit(ctx, "POST-login-1.2.3.4", time.Minute)
	if err != nil {
		t.Fatalf("Hit failed: %v", err)
	}
	if count != 1 || resetIn != time.Minute {
		t.Fatalf("expected (1, 1m), got (%d, %s)", count, resetIn)
	}

	mr.FastForward(20 * time.Second)
	count, resetIn, err = store.Hit(ctx, "POST-login-1.2.3.4", time.Minute)
	if err != nil {
		t.Fatalf("Hit failed: %v", err)
	}
	if count != 2 || resetIn != 40*time.Second {
		t.Fatalf("expected (2, 40s), got (%d, %s)", count, resetIn)
	}

	mr.FastForward(40 * time.Second)
	count, _, _ = store.Hit(ctx, "POST-login-1.2.3.4", time.Minute)
	if count != 1 {
		t.Fatalf("expected window to reset, got %d", count)
	}
}

func TestRedisStoreRepairsMissingExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if err := mr.Set(redisKeyPrefix+"k", "3"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	count, resetIn, err := NewRedisStore(client).Hit(context.Background(), "k", time.Minute)
	if err != nil {
		t.Fatalf("Hit failed: %v", err)
	}
	if count != 4 || resetIn != time.Minute {
		t.Fatalf("expected (4, 1m), got (%d, %s)", count, resetIn)
	}
	if mr.TTL(redisKeyPrefix+"k") != time.Minute {
		t.Fatalf("expected expiry to be set, got %s", mr.TTL(redisKeyPrefix+"k"))
	}
}
