package server

import (
	"context"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS             float64
	GlobalBurst           int
	CreateLimit           int
	CreateWindow          time.Duration
	TrustForwardedHeaders bool
	TrustedProxies        []string
	RedisAddr             string
	RedisPassword         string
	RedisTimeout          time.Duration
}

// rateLimiter applies a process-wide token bucket to every request and a
// per-client budget to requests that spawn an engine process.
type rateLimiter struct {
	global        *tokenBucket
	createLimit   int
	createWindow  time.Duration
	createMu      sync.Mutex
	createBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		createLimit:   cfg.CreateLimit,
		createWindow:  cfg.CreateWindow,
		createBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.createLimit < 0 {
		rl.createLimit = 0
	}
	if rl.createWindow <= 0 {
		rl.createWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.createLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowCreate charges one create attempt to key.
func (r *rateLimiter) AllowCreate(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.createLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "rtsp-proxy:create:"+key, r.createLimit, r.createWindow)
	}
	r.createMu.Lock()
	limiter, exists := r.createBuckets[key]
	if !exists {
		rate := float64(r.createLimit) / r.createWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.createLimit)}
		r.createBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.createMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.RetryAfter(), nil
}

func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.createWindow)
	for key, limiter := range r.createBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.createBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RetryAfter estimates how long until the next token, rounded up to a second.
func (tb *tokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	wait := time.Duration(missing / tb.rate * float64(time.Second))
	return wait.Truncate(time.Second) + time.Second
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}
