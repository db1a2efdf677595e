package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKnownIDs(t *testing.T) {
	addr := os.Getenv("LISTINGSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() {
		_ = client.Close()
	}()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis is not available, skipping test")
	}

	key := "listing-sync:test:" + uuid.NewString()
	defer client.Del(ctx, key)

	set := NewKnownIDs(client, key)
	require.NoError(t, set.Seed(ctx, []int64{10, 20, 30}))
	require.NoError(t, set.Add(ctx, []int64{40}))
	require.NoError(t, set.Add(ctx, nil))

	n, err := set.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	known, err := set.Known(ctx, []int64{20, 40, 50})
	require.NoError(t, err)
	require.Equal(t, map[int64]bool{20: true, 40: true, 50: false}, known)

	require.NoError(t, set.Remove(ctx, []int64{20}))
	n, err = set.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestMembers(t *testing.T) {
	t.Parallel()

	require.Equal(t, []any{"1", "9007199254740993"}, members([]int64{1, 9007199254740993}))
	require.Equal(t, DefaultKey, NewKnownIDs(nil, "").key)
}
