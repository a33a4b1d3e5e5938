package balance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheVersionAndBump(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)

	key, err := cache.BuildKey(ctx, "stock", "1:-:2")
	require.NoError(t, err)
	require.Equal(t, "stockledger:balance:stock:1:-:2:v1", key)

	require.NoError(t, cache.Bump(ctx))
	key, err = cache.BuildKey(ctx, "stock", "1:-:2")
	require.NoError(t, err)
	require.Equal(t, "stockledger:balance:stock:1:-:2:v2", key)
}

func TestCacheFetchJSONUsesLoaderOnce(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]string{"qty": "10"}, nil
	}

	var first, second map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "k", &first, loader))
	require.NoError(t, cache.FetchJSON(ctx, "k", &second, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, "10", second["qty"])

	mr.FastForward(2 * time.Minute)
	require.NoError(t, cache.FetchJSON(ctx, "k", &second, loader))
	require.Equal(t, 2, calls)
}

func TestNilCacheCallsLoader(t *testing.T) {
	var cache *Cache
	var out []string
	err := cache.FetchJSON(context.Background(), "k", &out, func(context.Context) (any, error) {
		return []string{"a"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, out)
	require.NoError(t, cache.Bump(context.Background()))
}
