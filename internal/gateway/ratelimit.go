package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/datakiln/internal/config"
)

// tokenBucket is a simple token bucket keyed per caller.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func newTokenBucket(requestsPerMinute, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) last() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimitMiddleware enforces per-caller rate limits on the control
// plane. Blob redemption traffic is exempt: grant expiry already bounds
// it, and a single large upload is one request either way.
type RateLimitMiddleware struct {
	buckets map[string]*tokenBucket
	cfg     config.RateLimitConfig
	mu      sync.RWMutex
}

// NewRateLimitMiddleware creates a rate limit middleware from config.
func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &RateLimitMiddleware{
		buckets: make(map[string]*tokenBucket),
		cfg:     cfg,
	}
}

// StartEviction launches a background goroutine that periodically
// removes buckets idle longer than maxAge, bounding memory across
// unique tokens and client addresses.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.last().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the number of tracked buckets.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" ||
			len(r.URL.Path) > 10 && r.URL.Path[:10] == "/v1/blobs/" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.getBucket(key).allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, apiError{
				Detail:    "rate limit exceeded",
				ErrorCode: "RATE_LIMITED",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) getBucket(key string) *tokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}

	bucket = newTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.Burst)
	rl.buckets[key] = bucket
	return bucket
}
