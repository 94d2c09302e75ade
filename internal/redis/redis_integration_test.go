//go:build integration

// Run with: go test -tags=integration ./internal/redis/
package redis_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	redisstore "github.com/ramiqadoumi/go-fit-flow/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; go-redis wants the bare Addr.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")

	return m.Run()
}

// newRedisClient flushes the database on cleanup so tests don't interfere.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := redisstore.NewClient(testRedisAddr, 0)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRedisKV_GetSetRemove(t *testing.T) {
	store := redisstore.NewKVStore(newRedisClient(t), "fitflow:")
	ctx := context.Background()

	_, err := store.Get(ctx, "sync:anchor")
	assert.True(t, kv.IsNotFound(err))

	require.NoError(t, store.Set(ctx, "sync:anchor", []byte("42")))
	got, err := store.Get(ctx, "sync:anchor")
	require.NoError(t, err)
	assert.Equal(t, "42", string(got))

	require.NoError(t, store.Remove(ctx, "sync:anchor"))
	_, err = store.Get(ctx, "sync:anchor")
	assert.True(t, kv.IsNotFound(err))
}

func TestRedisKV_ListIsPrefixScopedAndSorted(t *testing.T) {
	client := newRedisClient(t)
	store := redisstore.NewKVStore(client, "fitflow:")
	other := redisstore.NewKVStore(client, "other:")
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Set(ctx, "ingest:processed:"+id, []byte("x")))
	}
	require.NoError(t, store.Set(ctx, "ingest:other", []byte("x")))
	require.NoError(t, other.Set(ctx, "ingest:processed:z", []byte("x")))

	entries, err := store.List(ctx, "ingest:processed:")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, "ingest:processed:"+id, entries[i].Key)
	}
}

func TestRedisKV_ListEscapesGlob(t *testing.T) {
	store := redisstore.NewKVStore(newRedisClient(t), "fitflow:")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a*b", []byte("1")))
	require.NoError(t, store.Set(ctx, "axb", []byte("2")))

	entries, err := store.List(ctx, "a*")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a*b", entries[0].Key)
}

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), "fitflow:", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := limiter.Allow(ctx, "sync")
		require.NoError(t, err)
		assert.True(t, ok, fmt.Sprintf("attempt %d should pass", i+1))
	}
	ok, retryAfter, err := limiter.Allow(ctx, "sync")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), "fitflow:", 1, 500*time.Millisecond)
	ctx := context.Background()

	ok, _, err := limiter.Allow(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = limiter.Allow(ctx, "sync")
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(700 * time.Millisecond)
	ok, _, err = limiter.Allow(ctx, "sync")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaderElector_SingleLeader(t *testing.T) {
	client := newRedisClient(t)
	a := redisstore.NewLeaderElector(client, "fitflow:", "a", time.Second)
	b := redisstore.NewLeaderElector(client, "fitflow:", "b", time.Second)
	ctx := context.Background()

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
