package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailoverStoreRoutesToRedisWhenHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	primary := NewRedisStore(client, nil)
	f := NewFailoverStore(primary, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", []byte("v"), time.Minute))
	assert.False(t, f.Degraded())

	// the value must be visible directly in Redis, not only in the fallback
	v, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestFailoverStoreDegradesAfterRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	primary := NewRedisStore(client, nil)
	fallback := NewMemoryStore()
	f := NewFailoverStore(primary, fallback, nil)
	ctx := context.Background()

	mr.Close() // simulate the backing Redis going away

	_, _, err := primary.IncrBucket(ctx, "bucket", 1, 10, 1, time.Minute)
	require.Error(t, err)
	assert.True(t, f.Degraded(), "a connection failure must flip the store into degraded mode")

	// coordination keeps working against the in-process fallback
	_, allowed, err := f.IncrBucket(ctx, "bucket", 1, 10, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestFailoverStoreRecoversOnceRedisComesBackViaPeriodicProbe(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	primary := NewRedisStore(client, nil)
	f := NewFailoverStore(primary, nil, nil)
	f.probeInterval = 10 * time.Millisecond
	ctx := context.Background()

	mr.Close()
	_, _, err := f.IncrBucket(ctx, "bucket", 1, 10, 1, time.Minute)
	require.NoError(t, err, "the first call during an outage must still succeed via the fallback")
	assert.True(t, f.Degraded())

	require.NoError(t, mr.Restart(), "restart the backing Redis on the same address")
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, err := f.IncrBucket(ctx, "bucket", 1, 10, 1, time.Minute)
		return err == nil && !f.Degraded()
	}, time.Second, 5*time.Millisecond, "a recovered primary must be noticed by the periodic probe and clear degraded")
}
