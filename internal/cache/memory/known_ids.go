// Package memory provides an in-process KnownIDSet.
package memory

import (
	"context"
	"sync"
)

// KnownIDs is a mutex-guarded set of listing ids.
type KnownIDs struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

// NewKnownIDs returns an empty set.
func NewKnownIDs() *KnownIDs {
	return &KnownIDs{ids: make(map[int64]struct{})}
}

// Seed adds ids loaded from the store.
func (k *KnownIDs) Seed(ctx context.Context, ids []int64) error {
	return k.Add(ctx, ids)
}

// Known reports membership for every id.
func (k *KnownIDs) Known(_ context.Context, ids []int64) (map[int64]bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		_, ok := k.ids[id]
		out[id] = ok
	}
	return out, nil
}

// Add marks ids as known.
func (k *KnownIDs) Add(_ context.Context, ids []int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, id := range ids {
		k.ids[id] = struct{}{}
	}
	return nil
}

// Remove forgets ids.
func (k *KnownIDs) Remove(_ context.Context, ids []int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, id := range ids {
		delete(k.ids, id)
	}
	return nil
}

// Len returns the set size.
func (k *KnownIDs) Len(context.Context) (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.ids), nil
}
