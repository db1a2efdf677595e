package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/listing"
)

type storedListing struct {
	listing      crawler.Listing
	createdAt    time.Time
	priceChanges int
}

// ListingStore is an in-memory crawler.Store.
type ListingStore struct {
	mu       sync.RWMutex
	listings map[int64]storedListing
	observed map[int64]crawler.NewListingRecord
	removed  []crawler.RemovedListing
	stats    map[crawler.PartitionKey]crawler.Partition
}

// NewListingStore constructs an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{
		listings: make(map[int64]storedListing),
		observed: make(map[int64]crawler.NewListingRecord),
		stats:    make(map[crawler.PartitionKey]crawler.Partition),
	}
}

// UpsertListings inserts new listings and refreshes existing ones. A price
// different from the stored one counts as a price change.
func (s *ListingStore) UpsertListings(_ context.Context, listings []crawler.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range listings {
		cur, ok := s.listings[l.ID]
		if !ok {
			s.listings[l.ID] = storedListing{listing: l, createdAt: l.CrawledAt}
			continue
		}
		if cur.listing.Price != l.Price {
			cur.priceChanges++
		}
		cur.listing = l
		s.listings[l.ID] = cur
	}
	return nil
}

// InsertIfAbsent records first observations, ignoring ids already recorded.
func (s *ListingStore) InsertIfAbsent(_ context.Context, records []crawler.NewListingRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		if _, ok := s.observed[rec.ListingID]; ok {
			continue
		}
		s.observed[rec.ListingID] = rec
		inserted++
	}
	return inserted, nil
}

// KnownIDs returns every stored listing id in ascending order.
func (s *ListingStore) KnownIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.listings))
	for id := range s.listings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// PartitionIDs returns the stored ids of one partition in ascending order.
func (s *ListingStore) PartitionIDs(_ context.Context, key crawler.PartitionKey) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, sl := range s.listings {
		if sl.listing.Partition() == key {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// CountPartition returns the number of stored listings of a partition.
func (s *ListingStore) CountPartition(_ context.Context, key crawler.PartitionKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sl := range s.listings {
		if sl.listing.Partition() == key {
			n++
		}
	}
	return n, nil
}

// PartitionStats returns the stored stats, or a never-checked entry.
func (s *ListingStore) PartitionStats(_ context.Context, key crawler.PartitionKey) (crawler.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.stats[key]
	if !ok {
		return crawler.Partition{Key: key}, nil
	}
	return clonePartition(p), nil
}

// AllPartitionStats returns every stored stats row ordered by key.
func (s *ListingStore) AllPartitionStats(_ context.Context) ([]crawler.Partition, error) {
	s.mu.RLock()
	out := make([]crawler.Partition, 0, len(s.stats))
	for _, p := range s.stats {
		out = append(out, clonePartition(p))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b crawler.Partition) int {
		return cmp.Compare(a.Key.String(), b.Key.String())
	})
	return out, nil
}

// UpsertPartitionStats replaces the stats of one partition.
func (s *ListingStore) UpsertPartitionStats(_ context.Context, p crawler.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[p.Key] = clonePartition(p)
	return nil
}

// ArchiveAndDelete moves the given listings of key into the removed archive.
// Ids that are absent or belong to another partition are ignored.
func (s *ListingStore) ArchiveAndDelete(
	_ context.Context,
	key crawler.PartitionKey,
	ids []int64,
	removedAt time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		sl, ok := s.listings[id]
		if !ok || sl.listing.Partition() != key {
			continue
		}
		s.removed = append(s.removed, crawler.RemovedListing{
			ListingID:     id,
			Title:         sl.listing.Title,
			DetailURL:     sl.listing.DetailURL,
			LastPrice:     sl.listing.Price,
			Location:      sl.listing.Location,
			Category:      sl.listing.Category,
			Transaction:   sl.listing.Transaction,
			ImageURL:      sl.listing.ImageURL,
			LastSeenAt:    sl.listing.CrawledAt,
			RemovedAt:     removedAt,
			RemovalReason: crawler.RemovalReasonNotFound,
			DaysActive:    listing.DaysActive(sl.createdAt, removedAt),
			PriceChanges:  sl.priceChanges,
		})
		delete(s.listings, id)
		n++
	}
	return n, nil
}

// Removed returns the archived listings in archive order.
func (s *ListingStore) Removed() []crawler.RemovedListing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.removed)
}

// Observed returns the first-observation record of id.
func (s *ListingStore) Observed(id int64) (crawler.NewListingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.observed[id]
	return rec, ok
}

// Listing returns the stored listing with id.
func (s *ListingStore) Listing(id int64) (crawler.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.listings[id]
	return sl.listing, ok
}

func clonePartition(p crawler.Partition) crawler.Partition {
	if p.LastCheckedAt != nil {
		at := *p.LastCheckedAt
		p.LastCheckedAt = &at
	}
	return p
}
