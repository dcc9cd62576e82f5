package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained rate
	RequestsPerWindow int
	WindowDuration    time.Duration
	// BurstSize is headroom on top of the sustained rate
	BurstSize int
}

func (c *RateLimitConfig) capacity() int {
	return c.RequestsPerWindow + c.BurstSize
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute, BurstSize: 10}
}

// PerUserRateLimitConfig bounds each signed-in user across the tenant API
func PerUserRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{RequestsPerWindow: 1000, WindowDuration: time.Minute, BurstSize: 50}
}

// WebhookRateLimitConfig returns limits for the payment provider's webhook
// deliveries, keyed by source address
func WebhookRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{RequestsPerWindow: 600, WindowDuration: time.Minute, BurstSize: 100}
}

// Limiter decides whether a keyed request may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() *RateLimitConfig
}

// RateLimiter is a per-process token bucket limiter. Use
// DistributedRateLimiter when several replicas serve the same tenants.
type RateLimiter struct {
	config  *RateLimitConfig
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	refilled time.Time
}

// NewRateLimiter creates a new in-memory rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Config returns the limiter settings
func (rl *RateLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; !ok {
		b = &bucket{tokens: float64(rl.config.capacity()), refilled: rl.now()}
		rl.buckets[key] = b
	}
	return b
}

// refill must be called with b.mu held
func (rl *RateLimiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.refilled)
	if elapsed <= 0 {
		return
	}
	rate := float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds()
	b.tokens += elapsed.Seconds() * rate
	if limit := float64(rl.config.capacity()); b.tokens > limit {
		b.tokens = limit
	}
	b.refilled = now
}

// Allow takes one token from the key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	b := rl.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	rl.refill(b, rl.now())
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Remaining returns the whole tokens left for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if !ok {
		return rl.config.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tokens)
}

// Cleanup drops buckets idle for more than two windows. A dropped bucket
// comes back full, which is what an idle key would have refilled to anyway.
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-2 * rl.config.WindowDuration)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		idle := b.refilled.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.config.WindowDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimit wraps a handler with rate limiting. Authenticated requests are
// keyed by user, everything else by client address. Limiter errors fail
// open.
func RateLimit(limiter Limiter, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + getClientIP(r)
			if user, ok := contextkeys.User(r.Context()); ok {
				key = "user:" + strconv.FormatInt(user.ID, 10)
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			config := limiter.Config()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			if !allowed {
				logger.WithField("key", key).Debug("rate limit exceeded")
				rateLimitExceeded(w, config)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, config *RateLimitConfig) {
	retryAfter := int(config.WindowDuration.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Remaining", "0")
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{ //nolint:errcheck
		"error":       "rate limit exceeded",
		"retry_after": retryAfter,
	})
}

// getClientIP prefers the first X-Forwarded-For hop set by the ingress
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
