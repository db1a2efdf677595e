package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// ListingStore implements crawler.Store on Postgres.
type ListingStore struct {
	db DB
}

// NewListingStore wraps an open pool.
func NewListingStore(db DB) (*ListingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ListingStore{db: db}, nil
}

const recordPriceChangeSQL = `
INSERT INTO price_history (listing_id, old_price, new_price, changed_at)
SELECT id, price, $2, $3 FROM listings WHERE id = $1 AND price <> $2`

const upsertListingSQL = `
INSERT INTO listings (
	id, title, price, location, posted_label, posted_at, image_url, detail_url,
	category, transaction_type, created_at, updated_at, last_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11,$11)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	location = EXCLUDED.location,
	posted_label = EXCLUDED.posted_label,
	posted_at = COALESCE(EXCLUDED.posted_at, listings.posted_at),
	image_url = EXCLUDED.image_url,
	detail_url = EXCLUDED.detail_url,
	category = EXCLUDED.category,
	transaction_type = EXCLUDED.transaction_type,
	updated_at = EXCLUDED.updated_at,
	last_seen_at = EXCLUDED.last_seen_at`

// UpsertListings writes the batch in one transaction, recording a
// price_history row whenever a stored price changes.
func (s *ListingStore) UpsertListings(ctx context.Context, listings []crawler.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	for _, l := range listings {
		if _, err := tx.Exec(ctx, recordPriceChangeSQL, l.ID, l.Price, l.CrawledAt); err != nil {
			return rollback(ctx, tx, fmt.Errorf("record price change %d: %w", l.ID, err))
		}
		if _, err := tx.Exec(ctx, upsertListingSQL,
			l.ID,
			l.Title,
			l.Price,
			l.Location,
			l.PostedLabel,
			l.PostedAt,
			l.ImageURL,
			l.DetailURL,
			string(l.Category),
			string(l.Transaction),
			l.CrawledAt,
		); err != nil {
			return rollback(ctx, tx, fmt.Errorf("upsert listing %d: %w", l.ID, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

const insertNewListingSQL = `
INSERT INTO new_listings (
	listing_id, title, detail_url, price, location, category, transaction_type, image_url, first_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (listing_id) DO NOTHING`

// InsertIfAbsent records first observations and returns how many were new.
func (s *ListingStore) InsertIfAbsent(ctx context.Context, records []crawler.NewListingRecord) (int, error) {
	inserted := 0
	for _, r := range records {
		tag, err := s.db.Exec(ctx, insertNewListingSQL,
			r.ListingID,
			r.Title,
			r.DetailURL,
			r.Price,
			r.Location,
			string(r.Category),
			string(r.Transaction),
			r.ImageURL,
			r.FirstSeenAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert new listing %d: %w", r.ListingID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// KnownIDs returns every stored listing id.
func (s *ListingStore) KnownIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT id FROM listings ORDER BY id`)
}

// PartitionIDs returns the stored ids of one partition.
func (s *ListingStore) PartitionIDs(ctx context.Context, key crawler.PartitionKey) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM listings WHERE category = $1 AND transaction_type = $2 ORDER BY id`,
		string(key.Category), string(key.Transaction))
}

func (s *ListingStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// CountPartition returns the number of stored listings of a partition.
func (s *ListingStore) CountPartition(ctx context.Context, key crawler.PartitionKey) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM listings WHERE category = $1 AND transaction_type = $2`,
		string(key.Category), string(key.Transaction),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count partition %s: %w", key, err)
	}
	return n, nil
}

const partitionStatsColumns = `category, transaction_type, remote_count, local_count, diff, status, last_checked_at`

// PartitionStats returns the stored stats of key, or a never-checked entry.
func (s *ListingStore) PartitionStats(ctx context.Context, key crawler.PartitionKey) (crawler.Partition, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+partitionStatsColumns+` FROM partition_stats WHERE category = $1 AND transaction_type = $2`,
		string(key.Category), string(key.Transaction))
	p, err := scanPartition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Partition{Key: key}, nil
	}
	if err != nil {
		return crawler.Partition{}, fmt.Errorf("load partition stats %s: %w", key, err)
	}
	return p, nil
}

// AllPartitionStats returns every stats row ordered by key.
func (s *ListingStore) AllPartitionStats(ctx context.Context) ([]crawler.Partition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+partitionStatsColumns+` FROM partition_stats ORDER BY category, transaction_type`)
	if err != nil {
		return nil, fmt.Errorf("list partition stats: %w", err)
	}
	defer rows.Close()

	var out []crawler.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partition stats: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition stats: %w", err)
	}
	return out, nil
}

func scanPartition(row pgx.Row) (crawler.Partition, error) {
	var (
		p                     crawler.Partition
		category, transaction string
		status                string
	)
	if err := row.Scan(&category, &transaction, &p.RemoteCount, &p.LocalCount, &p.Diff, &status, &p.LastCheckedAt); err != nil {
		return crawler.Partition{}, err
	}
	p.Key = crawler.PartitionKey{Category: crawler.Category(category), Transaction: crawler.Transaction(transaction)}
	p.Status = crawler.PartitionStatus(status)
	return p, nil
}

// UpsertPartitionStats replaces the stats row of one partition.
func (s *ListingStore) UpsertPartitionStats(ctx context.Context, p crawler.Partition) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO partition_stats (`+partitionStatsColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (category, transaction_type) DO UPDATE SET
	remote_count = EXCLUDED.remote_count,
	local_count = EXCLUDED.local_count,
	diff = EXCLUDED.diff,
	status = EXCLUDED.status,
	last_checked_at = EXCLUDED.last_checked_at`,
		string(p.Key.Category),
		string(p.Key.Transaction),
		p.RemoteCount,
		p.LocalCount,
		p.Diff,
		string(p.Status),
		p.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert partition stats %s: %w", p.Key, err)
	}
	return nil
}

const archiveRemovedSQL = `
INSERT INTO removed_listings (
	listing_id, title, detail_url, last_price, location, category, transaction_type, image_url,
	last_seen_at, removed_at, removal_reason, days_active, price_changes
)
SELECT l.id, l.title, l.detail_url, l.price, l.location, l.category, l.transaction_type, l.image_url,
	l.last_seen_at, $4::timestamptz, $5,
	GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($4::timestamptz - l.created_at)) / 86400))::int,
	(SELECT count(*) FROM price_history ph WHERE ph.listing_id = l.id)::int
FROM listings l
WHERE l.category = $1 AND l.transaction_type = $2 AND l.id = ANY($3)
ON CONFLICT (listing_id) DO UPDATE SET
	last_price = EXCLUDED.last_price,
	last_seen_at = EXCLUDED.last_seen_at,
	removed_at = EXCLUDED.removed_at,
	removal_reason = EXCLUDED.removal_reason,
	days_active = EXCLUDED.days_active,
	price_changes = EXCLUDED.price_changes`

const deleteRemovedSQL = `
DELETE FROM listings WHERE category = $1 AND transaction_type = $2 AND id = ANY($3)`

// ArchiveAndDelete copies the listings into removed_listings and deletes
// them, in one transaction. It returns the number of deleted rows.
func (s *ListingStore) ArchiveAndDelete(
	ctx context.Context,
	key crawler.PartitionKey,
	ids []int64,
	removedAt time.Time,
) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	category, transaction := string(key.Category), string(key.Transaction)
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	if _, err := tx.Exec(ctx, archiveRemovedSQL, category, transaction, ids, removedAt, crawler.RemovalReasonNotFound); err != nil {
		return 0, rollback(ctx, tx, fmt.Errorf("archive removed listings: %w", err))
	}
	tag, err := tx.Exec(ctx, deleteRemovedSQL, category, transaction, ids)
	if err != nil {
		return 0, rollback(ctx, tx, fmt.Errorf("delete removed listings: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *ListingStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
