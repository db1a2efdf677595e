package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/cache/memory"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/listing-sync-crawler/internal/publisher/memory"
	storememory "github.com/JakeFAU/listing-sync-crawler/internal/storage/memory"
)

var konutSatilik = crawler.PartitionKey{Category: crawler.CategoryResidential, Transaction: crawler.TransactionSale}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	store   *storememory.ListingStore
	known   *memory.KnownIDs
	pub     *pubmemory.Publisher
	archive *storememory.BlobStore
	rec     *Reconciler
	now     time.Time
}

func newFixture(t *testing.T, store crawler.Store) *fixture {
	t.Helper()
	f := &fixture{
		store:   storememory.NewListingStore(),
		known:   memory.NewKnownIDs(),
		pub:     pubmemory.New(),
		archive: storememory.NewBlobStore(),
		now:     time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	if store == nil {
		store = f.store
	}
	rec, err := New(Config{
		Store:     store,
		Known:     f.known,
		Publisher: f.pub,
		Archive:   f.archive,
		Hasher:    sha256.New(),
		Clock:     fixedClock{t: f.now},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	f.rec = rec
	return f
}

func listingAt(id int64, fresh bool, now time.Time) crawler.Listing {
	return crawler.Listing{
		ID:          id,
		Title:       "3+1 daire",
		Price:       1_000_000,
		Category:    konutSatilik.Category,
		Transaction: konutSatilik.Transaction,
		CrawledAt:   now,
		Fresh:       fresh,
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Store: storememory.NewListingStore()})
	require.Error(t, err)
	_, err = New(Config{Store: storememory.NewListingStore(), Known: memory.NewKnownIDs()})
	require.Error(t, err)
}

func TestSaveClassifiesNewAndUpdated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertListings(ctx, []crawler.Listing{listingAt(1, false, f.now)}))
	seeded, err := f.rec.Seed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, seeded)

	res, err := f.rec.Save(ctx, konutSatilik, []crawler.Listing{
		listingAt(1, true, f.now),
		listingAt(2, true, f.now),
		listingAt(3, false, f.now),
	})
	require.NoError(t, err)
	require.Equal(t, crawler.SaveResult{New: 2, Updated: 1, Observed: 1}, res)

	_, ok := f.store.Observed(2)
	require.True(t, ok, "fresh unknown listing gets a side record")
	_, ok = f.store.Observed(3)
	require.False(t, ok, "stale unknown listing gets no side record")
	_, ok = f.store.Observed(1)
	require.False(t, ok, "known listing gets no side record")

	observed := f.pub.ByTopic(TopicListingObserved)
	require.Len(t, observed, 1)
	require.Equal(t, int64(2), observed[0].(observedEvent).ListingID)
}

func TestSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	page := []crawler.Listing{listingAt(10, true, f.now), listingAt(11, true, f.now)}

	first, err := f.rec.Save(ctx, konutSatilik, page)
	require.NoError(t, err)
	require.Equal(t, 2, first.New)

	second, err := f.rec.Save(ctx, konutSatilik, page)
	require.NoError(t, err)
	require.Equal(t, crawler.SaveResult{Updated: 2}, second)

	n, err := f.store.CountPartition(ctx, konutSatilik)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, f.pub.ByTopic(TopicListingObserved), 2)
}

func TestSaveDeduplicatesWithinBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	later := listingAt(5, false, f.now)
	later.Price = 900_000
	res, err := f.rec.Save(context.Background(), konutSatilik, []crawler.Listing{listingAt(5, false, f.now), later})
	require.NoError(t, err)
	require.Equal(t, 1, res.New)
	got, ok := f.store.Listing(5)
	require.True(t, ok)
	require.Equal(t, int64(900_000), got.Price)
}

func TestSaveToleratesPublishFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.pub.FailWith(errors.New("pubsub down"))
	res, err := f.rec.Save(context.Background(), konutSatilik, []crawler.Listing{listingAt(7, true, f.now)})
	require.NoError(t, err)
	require.Equal(t, 1, res.New)
	require.Equal(t, 1, res.Observed)
}

type failingStore struct {
	*storememory.ListingStore
	upsertErr error
	deleteErr error
}

func (s failingStore) UpsertListings(ctx context.Context, l []crawler.Listing) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.ListingStore.UpsertListings(ctx, l)
}

func (s failingStore) ArchiveAndDelete(ctx context.Context, key crawler.PartitionKey, ids []int64, at time.Time) (int, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	return s.ListingStore.ArchiveAndDelete(ctx, key, ids, at)
}

func TestSaveWrapsStoreFailure(t *testing.T) {
	t.Parallel()

	store := failingStore{ListingStore: storememory.NewListingStore(), upsertErr: errors.New("connection refused")}
	f := newFixture(t, store)
	_, err := f.rec.Save(context.Background(), konutSatilik, []crawler.Listing{listingAt(1, true, f.now)})
	require.Error(t, err)
	require.True(t, crawler.IsPersistenceError(err))

	// The failed batch must not mark ids known, so a retry still sees them as new.
	known, err := f.known.Known(context.Background(), []int64{1})
	require.NoError(t, err)
	require.False(t, known[1])
}

func TestReconcileRefusesIncompleteWalk(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertListings(ctx, []crawler.Listing{listingAt(1, false, f.now)}))

	_, err := f.rec.ReconcileRemovals(ctx, konutSatilik, map[int64]struct{}{2: {}}, false)
	require.ErrorIs(t, err, crawler.ErrReconciliationPrecondition)

	_, err = f.rec.ReconcileRemovals(ctx, konutSatilik, map[int64]struct{}{}, true)
	require.ErrorIs(t, err, crawler.ErrReconciliationPrecondition)

	n, _ := f.store.CountPartition(ctx, konutSatilik)
	require.Equal(t, 1, n, "nothing may be deleted")
}

func TestReconcileArchivesMissingListings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertListings(ctx, []crawler.Listing{
		listingAt(1, false, f.now), listingAt(2, false, f.now), listingAt(3, false, f.now),
	}))
	_, err := f.rec.Seed(ctx)
	require.NoError(t, err)

	n, err := f.rec.ReconcileRemovals(ctx, konutSatilik, map[int64]struct{}{2: {}}, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ids, _ := f.store.PartitionIDs(ctx, konutSatilik)
	require.Equal(t, []int64{2}, ids)
	removed := f.store.Removed()
	require.Len(t, removed, 2)
	require.Equal(t, crawler.RemovalReasonNotFound, removed[0].RemovalReason)

	known, _ := f.known.Known(ctx, []int64{1, 2, 3})
	require.Equal(t, map[int64]bool{1: false, 2: true, 3: false}, known)

	paths := f.archive.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "removals/konut_satilik/"))
	body, ok := f.archive.Object(paths[0])
	require.True(t, ok)
	var snap struct {
		Partition  string  `json:"partition"`
		ListingIDs []int64 `json:"listing_ids"`
	}
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Equal(t, []int64{1, 3}, snap.ListingIDs)

	events := f.pub.ByTopic(TopicListingsRemoved)
	require.Len(t, events, 1)
	payload, ok := events[0].(map[string]any)
	require.True(t, ok)
	digest, err := sha256.New().Hash(body)
	require.NoError(t, err)
	require.Equal(t, digest, payload["snapshot_sha256"])
	require.Equal(t, "memory://"+paths[0], payload["snapshot_uri"])
}

func TestReconcileNothingRemoved(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertListings(ctx, []crawler.Listing{listingAt(1, false, f.now)}))
	n, err := f.rec.ReconcileRemovals(ctx, konutSatilik, map[int64]struct{}{1: {}}, true)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.archive.Paths())
}

func TestReconcileWrapsArchiveFailure(t *testing.T) {
	t.Parallel()

	store := failingStore{ListingStore: storememory.NewListingStore(), deleteErr: errors.New("tx aborted")}
	f := newFixture(t, store)
	ctx := context.Background()
	require.NoError(t, store.ListingStore.UpsertListings(ctx, []crawler.Listing{listingAt(1, false, f.now)}))

	_, err := f.rec.ReconcileRemovals(ctx, konutSatilik, map[int64]struct{}{9: {}}, true)
	require.Error(t, err)
	require.True(t, crawler.IsPersistenceError(err))
}
