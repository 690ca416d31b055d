package server

import (
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	StartLimit    int
	StartWindow   time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *tokenBucket
	startLimit   int
	startWindow  time.Duration
	startMu      sync.Mutex
	startBuckets map[string]*callerLimiter
	store        tokenStore
}

type callerLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		startLimit:   cfg.StartLimit,
		startWindow:  cfg.StartWindow,
		startBuckets: make(map[string]*callerLimiter),
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
	if rl.startLimit <= 0 {
		rl.startLimit = 0
	}
	if rl.startWindow <= 0 {
		rl.startWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.startLimit > 0 {
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

// AllowStart throttles go-live attempts per caller. A shared Redis store keeps
// the window consistent across replicas; without one each process counts on
// its own.
func (r *rateLimiter) AllowStart(key string) (bool, time.Duration, error) {
	if r == nil || r.startLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		allowed, retryAfter, err := r.store.Allow(fmt.Sprintf("mentorlive:start:%s", key), r.startLimit, r.startWindow)
		return allowed, retryAfter, err
	}
	if key == "" {
		key = "unknown"
	}
	r.startMu.Lock()
	bucket, exists := r.startBuckets[key]
	if !exists {
		rate := float64(r.startLimit) / r.startWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.startWindow.Seconds()
		}
		bucket = &callerLimiter{bucket: newTokenBucket(rate, r.startLimit)}
		r.startBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.startMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.startBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.startWindow)
	for key, bucket := range r.startBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.startBuckets, key)
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
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
