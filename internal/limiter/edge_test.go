package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeLimiterAdmitsWithinBurst(t *testing.T) {
	l := NewEdgeLimiter(metastore.NewMemoryStore(), EdgeOptions{RatePerMinute: 600, Burst: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestEdgeLimiterIsolatesIdentities(t *testing.T) {
	l := NewEdgeLimiter(metastore.NewMemoryStore(), EdgeOptions{RatePerMinute: 60, Burst: 1})
	ctx := context.Background()

	d, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a different identity must have its own bucket")
}
