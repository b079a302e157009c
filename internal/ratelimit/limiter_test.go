package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_BudgetExhaustion(t *testing.T) {
	// 60/min: 61 acquires inside one second must allow exactly 60.
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lim := NewLocalLimiter(60)
	lim.now = func() time.Time { return clock }

	allowed := 0
	var lastDenied Decision
	for i := 0; i < 61; i++ {
		d, err := lim.TryAcquire(context.Background())
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		} else {
			lastDenied = d
		}
		clock = clock.Add(10 * time.Millisecond)
	}

	assert.Equal(t, 60, allowed)
	assert.Greater(t, lastDenied.Wait, time.Duration(0), "denial must carry a wait hint")
	assert.Equal(t, lastDenied.Wait, lim.LastWait())
}

func TestLocalLimiter_Refill(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lim := NewLocalLimiter(60)
	lim.now = func() time.Time { return clock }

	// Drain the bucket
	for i := 0; i < 60; i++ {
		d, err := lim.TryAcquire(context.Background())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := lim.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// At 60/min one token refills per second
	assert.InDelta(t, float64(time.Second), float64(d.Wait), float64(50*time.Millisecond))

	// After two seconds, two tokens are back
	clock = clock.Add(2 * time.Second)
	for i := 0; i < 2; i++ {
		d, err = lim.TryAcquire(context.Background())
		require.NoError(t, err)
		assert.True(t, d.Allowed, "token %d should be refilled", i)
	}
	d, err = lim.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLocalLimiter_CapacityIsCapped(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lim := NewLocalLimiter(10)
	lim.now = func() time.Time { return clock }

	// A long idle period must not bank more than one minute of budget.
	clock = clock.Add(time.Hour)
	allowed := 0
	for i := 0; i < 20; i++ {
		d, err := lim.TryAcquire(context.Background())
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestRedisLimiter_SharedBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Two limiter instances for the same campaign share one bucket,
	// the way two worker processes would.
	a := NewRedisLimiter(client, "camp-1", 10)
	b := NewRedisLimiter(client, "camp-1", 10)

	allowed := 0
	for i := 0; i < 12; i++ {
		lim := Limiter(a)
		if i%2 == 1 {
			lim = b
		}
		d, err := lim.TryAcquire(context.Background())
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed, "both instances must draw from one budget")

	d, err := a.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.Wait, time.Duration(0))
}

func TestRedisLimiter_IndependentCampaigns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	a := NewRedisLimiter(client, "camp-a", 1)
	b := NewRedisLimiter(client, "camp-b", 1)

	da, err := a.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, da.Allowed)

	// Campaign A is exhausted, campaign B is untouched.
	da, err = a.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, da.Allowed)

	db, err := b.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, db.Allowed)
}
