package server

import (
	"context"
	"testing"
	"time"

	"rtsp-proxy/internal/testsupport/redisstub"
)

func TestRateLimiterDisabledByDefault(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatal("expected global limiter to be disabled")
		}
		if allowed, _, err := rl.AllowCreate(context.Background(), "192.0.2.1"); err != nil || !allowed {
			t.Fatalf("expected create limiter to be disabled: allowed=%v err=%v", allowed, err)
		}
	}
	if err := rl.Ping(context.Background()); err != nil {
		t.Fatalf("ping without store: %v", err)
	}
}

func TestRateLimiterInMemoryCreateBudget(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{CreateLimit: 2, CreateWindow: time.Minute})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if allowed, _, _ := rl.AllowCreate(ctx, "192.0.2.1"); !allowed {
			t.Fatalf("attempt %d: expected allowance", i+1)
		}
	}
	allowed, retry, err := rl.AllowCreate(ctx, "192.0.2.1")
	if err != nil || allowed {
		t.Fatalf("expected throttle, got allowed=%v err=%v", allowed, err)
	}
	if retry < time.Second || retry > 31*time.Second {
		t.Fatalf("unexpected retry hint %v", retry)
	}
	if allowed, _, _ := rl.AllowCreate(ctx, ""); !allowed {
		t.Fatal("expected unknown client to get its own budget")
	}
}

func TestTokenBucketRetryAfter(t *testing.T) {
	t.Parallel()

	tb := newTokenBucket(0.5, 1)
	if !tb.Allow() {
		t.Fatal("expected initial token")
	}
	if tb.Allow() {
		t.Fatal("expected bucket to be empty")
	}
	if retry := tb.RetryAfter(); retry < time.Second || retry > 3*time.Second {
		t.Fatalf("expected a two second wait rounded up, got %v", retry)
	}
}

func TestRedisStoreFixedWindow(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	store := newRedisStore(srv.Addr(), "secret", time.Second)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, "rtsp-proxy:create:test", 2, 30*time.Second)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("attempt %d unexpected: allowed=%v retry=%v err=%v", i+1, allowed, retry, err)
		}
	}
	allowed, retry, err := store.Allow(ctx, "rtsp-proxy:create:test", 2, 30*time.Second)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry <= 0 || retry > 30*time.Second {
		t.Fatalf("expected retry within the window, got %v", retry)
	}
	if got := srv.Commands("EXPIRE"); got != 1 {
		t.Fatalf("expected a single EXPIRE per window, got %d", got)
	}
}

func TestRedisStoreReportsAuthFailure(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	store := newRedisStore(srv.Addr(), "wrong", time.Second)
	t.Cleanup(func() { _ = store.Close() })

	if _, _, err := store.Allow(context.Background(), "k", 1, time.Second); err == nil {
		t.Fatal("expected error with wrong password")
	}
}

func TestRedisStoreWindowRollsOver(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	store := newRedisStore(srv.Addr(), "", time.Second)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	key := "rtsp-proxy:create:192.0.2.9"

	if allowed, _, err := store.Allow(ctx, key, 1, 10*time.Second); err != nil || !allowed {
		t.Fatalf("first attempt: allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err := store.Allow(ctx, key, 1, 10*time.Second)
	if err != nil || allowed {
		t.Fatalf("second attempt should be throttled: allowed=%v err=%v", allowed, err)
	}
	if retry != 10*time.Second {
		t.Fatalf("expected the full window as retry, got %v", retry)
	}

	srv.Advance(11 * time.Second)
	if got := srv.Value(key); got != 0 {
		t.Fatalf("expected counter to expire, got %d", got)
	}
	if allowed, _, err := store.Allow(ctx, key, 1, 10*time.Second); err != nil || !allowed {
		t.Fatalf("attempt in new window: allowed=%v err=%v", allowed, err)
	}
	if got := srv.Commands("EXPIRE"); got != 2 {
		t.Fatalf("expected one EXPIRE per window, got %d", got)
	}
}

func TestRedisStoreSurfacesCommandErrors(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	store := newRedisStore(srv.Addr(), "", time.Second)
	t.Cleanup(func() { _ = store.Close() })

	srv.Fail("INCR", "OOM command not allowed when used memory > 'maxmemory'")
	if _, _, err := store.Allow(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatal("expected INCR failure to surface")
	}

	srv.Fail("INCR", "")
	if allowed, _, err := store.Allow(context.Background(), "k", 1, time.Minute); err != nil || !allowed {
		t.Fatalf("expected recovery after fault cleared: allowed=%v err=%v", allowed, err)
	}
}
