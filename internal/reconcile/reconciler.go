// Package reconcile persists walked pages, classifying each listing as new or
// updated against the known-id set, and archives listings that disappeared
// from a complete enumeration of their partition.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// Event topics published by the reconciler.
const (
	TopicListingObserved = "listing.observed"
	TopicListingsRemoved = "listing.removed"
)

// Config wires a Reconciler. Publisher, Archive and Hasher are optional.
type Config struct {
	Store     crawler.Store
	Known     crawler.KnownIDSet
	Publisher crawler.Publisher
	Archive   crawler.BlobStore
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Reconciler is safe for concurrent use by coordinator workers.
type Reconciler struct {
	store     crawler.Store
	known     crawler.KnownIDSet
	publisher crawler.Publisher
	archive   crawler.BlobStore
	hasher    crawler.Hasher
	clock     crawler.Clock
	logger    *zap.Logger
}

// New validates cfg and builds a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconciler requires a store")
	}
	if cfg.Known == nil {
		return nil, errors.New("reconciler requires a known-id set")
	}
	if cfg.Clock == nil {
		return nil, errors.New("reconciler requires a clock")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     cfg.Store,
		known:     cfg.Known,
		publisher: cfg.Publisher,
		archive:   cfg.Archive,
		hasher:    cfg.Hasher,
		clock:     cfg.Clock,
		logger:    logger.Named("reconcile"),
	}, nil
}

// Seed loads every stored listing id into the known-id set.
func (r *Reconciler) Seed(ctx context.Context) (int, error) {
	ids, err := r.store.KnownIDs(ctx)
	if err != nil {
		return 0, &crawler.PersistenceError{Op: "load known ids", Err: err}
	}
	if err := r.known.Seed(ctx, ids); err != nil {
		return 0, fmt.Errorf("seed known ids: %w", err)
	}
	r.logger.Info("known ids seeded", zap.Int("count", len(ids)))
	return len(ids), nil
}

type observedEvent struct {
	ListingID   int64     `json:"listing_id"`
	Partition   string    `json:"partition"`
	Title       string    `json:"title"`
	Price       int64     `json:"price"`
	Location    string    `json:"location"`
	DetailURL   string    `json:"detail_url"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Save upserts one page of listings. Ids become known only after the upsert
// succeeds, so a failed batch is classified the same way on retry.
func (r *Reconciler) Save(ctx context.Context, key crawler.PartitionKey, listings []crawler.Listing) (crawler.SaveResult, error) {
	var res crawler.SaveResult
	listings = dedupe(listings)
	if len(listings) == 0 {
		return res, nil
	}

	ids := make([]int64, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	known, err := r.known.Known(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("classify listings: %w", err)
	}

	if err := r.store.UpsertListings(ctx, listings); err != nil {
		return res, &crawler.PersistenceError{Op: "upsert listings", Err: err}
	}

	now := r.clock.Now()
	var observed []crawler.NewListingRecord
	for _, l := range listings {
		if known[l.ID] {
			res.Updated++
			continue
		}
		res.New++
		if l.Fresh {
			observed = append(observed, newListingRecord(l, now))
		}
	}

	if err := r.known.Add(ctx, ids); err != nil {
		r.logger.Warn("marking ids known failed", zap.String("partition", key.String()), zap.Error(err))
	}

	if len(observed) > 0 {
		inserted, err := r.store.InsertIfAbsent(ctx, observed)
		if err != nil {
			r.logger.Warn("recording newly observed listings failed",
				zap.String("partition", key.String()), zap.Int("count", len(observed)), zap.Error(err))
		}
		res.Observed = inserted
		r.publishObserved(ctx, key, observed)
	}
	return res, nil
}

// ReconcileRemovals archives and deletes stored listings of key that were not
// seen by a complete walk. Incomplete walks are refused.
func (r *Reconciler) ReconcileRemovals(
	ctx context.Context,
	key crawler.PartitionKey,
	seen map[int64]struct{},
	complete bool,
) (int, error) {
	logger := r.logger.With(zap.String("partition", key.String()))
	if !complete || len(seen) == 0 {
		logger.Warn("refusing removal reconciliation on an incomplete walk",
			zap.Bool("complete", complete), zap.Int("seen", len(seen)))
		return 0, fmt.Errorf("%s: %w", key, crawler.ErrReconciliationPrecondition)
	}

	stored, err := r.store.PartitionIDs(ctx, key)
	if err != nil {
		return 0, &crawler.PersistenceError{Op: "load partition ids", Err: err}
	}
	var removed []int64
	for _, id := range stored {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		logger.Info("no removed listings")
		return 0, nil
	}
	slices.Sort(removed)

	now := r.clock.Now()
	var snap snapshotRef
	if r.archive != nil {
		snap, err = r.snapshot(ctx, key, removed, now)
		if err != nil {
			return 0, err
		}
		logger.Info("removal snapshot written", zap.String("uri", snap.URI), zap.String("sha256", snap.Digest))
	}

	n, err := r.store.ArchiveAndDelete(ctx, key, removed, now)
	if err != nil {
		return 0, &crawler.PersistenceError{Op: "archive removed listings", Err: err}
	}
	if err := r.known.Remove(ctx, removed); err != nil {
		logger.Warn("forgetting removed ids failed", zap.Error(err))
	}
	logger.Info("removed listings archived", zap.Int("count", n))

	if r.publisher != nil {
		payload := map[string]any{
			"partition":  key.String(),
			"removed_at": now,
			"count":      n,
			"ids":        removed,
		}
		if snap.URI != "" {
			payload["snapshot_uri"] = snap.URI
			payload["snapshot_sha256"] = snap.Digest
		}
		if _, err := r.publisher.Publish(ctx, TopicListingsRemoved, payload); err != nil {
			logger.Warn("publishing removal event failed", zap.Error(err))
		}
	}
	return n, nil
}

type snapshotRef struct {
	URI    string
	Digest string
}

func (r *Reconciler) snapshot(ctx context.Context, key crawler.PartitionKey, ids []int64, at time.Time) (snapshotRef, error) {
	body, err := json.Marshal(map[string]any{
		"partition":      key.String(),
		"removed_at":     at,
		"removal_reason": crawler.RemovalReasonNotFound,
		"listing_ids":    ids,
	})
	if err != nil {
		return snapshotRef{}, fmt.Errorf("encode removal snapshot: %w", err)
	}
	var ref snapshotRef
	if r.hasher != nil {
		if ref.Digest, err = r.hasher.Hash(body); err != nil {
			return snapshotRef{}, fmt.Errorf("hash removal snapshot: %w", err)
		}
	}
	path := fmt.Sprintf("removals/%s/%s.json", key, at.UTC().Format("20060102T150405Z"))
	ref.URI, err = r.archive.PutObject(ctx, path, "application/json", bytes.NewReader(body))
	if err != nil {
		return snapshotRef{}, fmt.Errorf("write removal snapshot: %w", err)
	}
	return ref, nil
}

func (r *Reconciler) publishObserved(ctx context.Context, key crawler.PartitionKey, records []crawler.NewListingRecord) {
	if r.publisher == nil {
		return
	}
	for _, rec := range records {
		evt := observedEvent{
			ListingID:   rec.ListingID,
			Partition:   key.String(),
			Title:       rec.Title,
			Price:       rec.Price,
			Location:    rec.Location,
			DetailURL:   rec.DetailURL,
			FirstSeenAt: rec.FirstSeenAt,
		}
		if _, err := r.publisher.Publish(ctx, TopicListingObserved, evt); err != nil {
			r.logger.Warn("publishing observed listing failed",
				zap.Int64("listing_id", rec.ListingID), zap.Error(err))
		}
	}
}

func newListingRecord(l crawler.Listing, now time.Time) crawler.NewListingRecord {
	first := now
	if l.PostedAt != nil {
		first = *l.PostedAt
	}
	return crawler.NewListingRecord{
		ListingID:   l.ID,
		Title:       l.Title,
		DetailURL:   l.DetailURL,
		Price:       l.Price,
		Location:    l.Location,
		Category:    l.Category,
		Transaction: l.Transaction,
		ImageURL:    l.ImageURL,
		FirstSeenAt: first,
	}
}

// dedupe keeps the last occurrence of each id, preserving first-seen order.
func dedupe(listings []crawler.Listing) []crawler.Listing {
	index := make(map[int64]int, len(listings))
	out := make([]crawler.Listing, 0, len(listings))
	for _, l := range listings {
		if i, ok := index[l.ID]; ok {
			out[i] = l
			continue
		}
		index[l.ID] = len(out)
		out = append(out, l)
	}
	return out
}
