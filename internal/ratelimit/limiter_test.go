package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenThrottle(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 2})

	assert.True(t, limiter.AllowHost("example.com"))
	assert.True(t, limiter.AllowHost("example.com"))
	assert.False(t, limiter.AllowHost("example.com"))
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})

	assert.True(t, limiter.AllowHost("a.example.com"))
	assert.False(t, limiter.AllowHost("a.example.com"))
	assert.True(t, limiter.AllowHost("b.example.com"))
	assert.True(t, limiter.AllowHost("c.example.com"))
	assert.False(t, limiter.AllowHost("A.EXAMPLE.COM"))
	assert.Equal(t, 3, limiter.TrackedHosts())
}

func TestLimiter_WaitForHostRespectsContext(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.1, BurstSize: 1})
	ctx := context.Background()

	require.NoError(t, limiter.WaitForHost(ctx, "example.com"))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.WaitForHost(ctx, "example.com"))
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, limiter.AllowHost("example.com"))
	}
}
