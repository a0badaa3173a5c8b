package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/domain"
)

type noWaitKey struct{}

// NoWait marks requests made with ctx as droppable: when the pacing bucket is
// empty they fail with ErrRateLimited instead of waiting for a token.
func NoWait(ctx context.Context) context.Context {
	return context.WithValue(ctx, noWaitKey{}, true)
}

func isNoWait(ctx context.Context) bool {
	v, _ := ctx.Value(noWaitKey{}).(bool)
	return v
}

type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) TryAcquire(weight int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	w := float64(weight)
	if tb.tokens >= w {
		tb.tokens -= w
		return true
	}
	return false
}

// nextIn estimates how long until weight tokens are available.
func (tb *TokenBucket) nextIn(weight int) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	missing := float64(weight) - tb.tokens
	if missing <= 0 || tb.refillRate <= 0 {
		return 10 * time.Millisecond
	}
	d := time.Duration(missing / tb.refillRate * float64(time.Second))
	if d < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	if d > time.Second {
		return time.Second
	}
	return d
}

func (tb *TokenBucket) Acquire(ctx context.Context, weight int) error {
	for {
		if tb.TryAcquire(weight) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tb.nextIn(weight)):
		}
	}
}

// RateLimiter applies the gateway's pacing limits: every request spends a
// global token plus one from its endpoint's bucket, when it has one.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[domain.EndpointCategory]*TokenBucket
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[domain.EndpointCategory]*TokenBucket),
	}
}

// NewRateLimiterFromConfig builds buckets keyed by category name.
func NewRateLimiterFromConfig(limits map[string]config.RateLimitConfig) *RateLimiter {
	rl := NewRateLimiter()
	for name, lim := range limits {
		rl.AddBucket(domain.EndpointCategory(name), lim.Capacity, lim.RefillPerSecond)
	}
	return rl
}

func (rl *RateLimiter) AddBucket(category domain.EndpointCategory, capacity int, refillPerSecond float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.buckets[category] = NewTokenBucket(capacity, refillPerSecond)
}

func (rl *RateLimiter) Acquire(ctx context.Context, category domain.EndpointCategory, weight int) error {
	rl.mu.RLock()
	bucket, ok := rl.buckets[category]
	rl.mu.RUnlock()
	if !ok {
		return nil
	}
	return bucket.Acquire(ctx, weight)
}

func (rl *RateLimiter) TryAcquire(category domain.EndpointCategory, weight int) bool {
	rl.mu.RLock()
	bucket, ok := rl.buckets[category]
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return bucket.TryAcquire(weight)
}

// Wait spends the global token and then the endpoint-specific one.
func (rl *RateLimiter) Wait(ctx context.Context, endpoint string) (domain.EndpointCategory, error) {
	if err := rl.Acquire(ctx, domain.EndpointGlobal, 1); err != nil {
		return domain.EndpointGlobal, err
	}
	category := CategoryFor(endpoint)
	if category == domain.EndpointGlobal {
		return category, nil
	}
	return category, rl.Acquire(ctx, category, 1)
}

// TryWait is Wait without blocking. It reports false when either bucket is
// empty; a category token taken before the global check fails is not refunded.
func (rl *RateLimiter) TryWait(endpoint string) (domain.EndpointCategory, bool) {
	category := CategoryFor(endpoint)
	if category != domain.EndpointGlobal && !rl.TryAcquire(category, 1) {
		return category, false
	}
	return category, rl.TryAcquire(domain.EndpointGlobal, 1)
}

// CategoryFor maps an endpoint suffix to its pacing bucket.
func CategoryFor(endpoint string) domain.EndpointCategory {
	path := strings.TrimPrefix(endpoint, "/")
	switch {
	case path == EndpointAuthStatus:
		return domain.EndpointAuthStatus
	case path == EndpointValidate:
		return domain.EndpointValidate
	case path == EndpointLiveOrders:
		return domain.EndpointLiveOrders
	case path == EndpointPortfolioAccounts:
		return domain.EndpointPortfolioAccounts
	case path == EndpointSnapshot:
		return domain.EndpointSnapshot
	case path == EndpointHistory:
		return domain.EndpointHistory
	default:
		return domain.EndpointGlobal
	}
}
