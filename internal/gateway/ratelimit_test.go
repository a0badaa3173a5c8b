package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/domain"
)

func TestTokenBucket_TryAcquire(t *testing.T) {
	tb := NewTokenBucket(5, 10)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.TryAcquire(1), "expected to acquire token %d", i)
	}

	assert.False(t, tb.TryAcquire(1), "expected bucket to be exhausted")

	time.Sleep(110 * time.Millisecond)

	assert.True(t, tb.TryAcquire(1), "expected bucket to have refilled")
}

func TestTokenBucket_AcquireHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1, 1.0/60)
	require.True(t, tb.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tb.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_Acquire(t *testing.T) {
	rl := NewRateLimiter()
	rl.AddBucket(domain.EndpointSnapshot, 2, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, rl.Acquire(ctx, domain.EndpointSnapshot, 1))
	require.NoError(t, rl.Acquire(ctx, domain.EndpointSnapshot, 1))
}

func TestRateLimiter_UnknownCategory(t *testing.T) {
	rl := NewRateLimiter()

	assert.True(t, rl.TryAcquire(domain.EndpointValidate, 1), "unknown category should always succeed")
}

func TestRateLimiter_FromConfig(t *testing.T) {
	rl := NewRateLimiterFromConfig(map[string]config.RateLimitConfig{
		"global":   {Capacity: 5, RefillPerSecond: 5},
		"validate": {Capacity: 1, RefillPerSecond: 1.0 / 60},
	})

	ctx := context.Background()
	category, err := rl.Wait(ctx, EndpointValidate)
	require.NoError(t, err)
	assert.Equal(t, domain.EndpointValidate, category)

	assert.False(t, rl.TryAcquire(domain.EndpointValidate, 1), "validate bucket holds one token per minute")
	assert.True(t, rl.TryAcquire(domain.EndpointGlobal, 1))
}

func TestRateLimiter_TryWait(t *testing.T) {
	rl := NewRateLimiterFromConfig(config.DefaultRateLimits())

	category, ok := rl.TryWait(EndpointValidate)
	assert.True(t, ok)
	assert.Equal(t, domain.EndpointValidate, category)

	_, ok = rl.TryWait(EndpointValidate)
	assert.False(t, ok, "second validate within a minute must not get a token")

	_, ok = rl.TryWait(EndpointServerAccounts)
	assert.True(t, ok, "global-only endpoints are unaffected")
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, domain.EndpointAuthStatus, CategoryFor("iserver/auth/status"))
	assert.Equal(t, domain.EndpointValidate, CategoryFor("/sso/validate"))
	assert.Equal(t, domain.EndpointLiveOrders, CategoryFor("iserver/account/orders"))
	assert.Equal(t, domain.EndpointSnapshot, CategoryFor("iserver/marketdata/snapshot"))
	assert.Equal(t, domain.EndpointGlobal, CategoryFor("iserver/account/U123/orders"))
	assert.Equal(t, domain.EndpointGlobal, CategoryFor("portfolio/U123/summary"))
}
