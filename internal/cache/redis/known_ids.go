// Package redis provides a KnownIDSet backed by a Redis set so several
// crawler processes can share one view of the stored listings.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set holding known listing ids.
const DefaultKey = "listing-sync:known-ids"

const seedChunk = 1000

// KnownIDs stores listing ids in one Redis set.
type KnownIDs struct {
	client redis.UniversalClient
	key    string
}

// NewKnownIDs wraps client. An empty key selects DefaultKey.
func NewKnownIDs(client redis.UniversalClient, key string) *KnownIDs {
	if key == "" {
		key = DefaultKey
	}
	return &KnownIDs{client: client, key: key}
}

// Seed adds ids in pipelined chunks.
func (k *KnownIDs) Seed(ctx context.Context, ids []int64) error {
	for start := 0; start < len(ids); start += seedChunk {
		end := min(start+seedChunk, len(ids))
		pipe := k.client.Pipeline()
		pipe.SAdd(ctx, k.key, members(ids[start:end])...)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("seed known ids: %w", err)
		}
	}
	return nil
}

// Known reports membership for every id with one SMISMEMBER round trip.
func (k *KnownIDs) Known(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	flags, err := k.client.SMIsMember(ctx, k.key, members(ids)...).Result()
	if err != nil {
		return nil, fmt.Errorf("check known ids: %w", err)
	}
	for i, id := range ids {
		out[id] = i < len(flags) && flags[i]
	}
	return out, nil
}

// Add marks ids as known.
func (k *KnownIDs) Add(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := k.client.SAdd(ctx, k.key, members(ids)...).Err(); err != nil {
		return fmt.Errorf("add known ids: %w", err)
	}
	return nil
}

// Remove forgets ids.
func (k *KnownIDs) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := k.client.SRem(ctx, k.key, members(ids)...).Err(); err != nil {
		return fmt.Errorf("remove known ids: %w", err)
	}
	return nil
}

// Len returns the set cardinality.
func (k *KnownIDs) Len(ctx context.Context) (int, error) {
	n, err := k.client.SCard(ctx, k.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count known ids: %w", err)
	}
	return int(n), nil
}

func members(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
