package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher retrieves raw page content. Failures are reported as *FetchError.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
	Close() error
}

// FetcherFactory hands each worker its own PageFetcher.
type FetcherFactory interface {
	NewFetcher(ctx context.Context, workerID int) (PageFetcher, error)
}

// FetcherFactoryFunc adapts a function to FetcherFactory.
type FetcherFactoryFunc func(ctx context.Context, workerID int) (PageFetcher, error)

// NewFetcher calls f.
func (f FetcherFactoryFunc) NewFetcher(ctx context.Context, workerID int) (PageFetcher, error) {
	return f(ctx, workerID)
}

// PageExtractor turns raw page content into listing records.
type PageExtractor interface {
	Extract(page Page) (Extraction, error)
}

// Store persists listings and partition statistics.
type Store interface {
	UpsertListings(ctx context.Context, listings []Listing) error
	InsertIfAbsent(ctx context.Context, records []NewListingRecord) (int, error)
	KnownIDs(ctx context.Context) ([]int64, error)
	PartitionIDs(ctx context.Context, key PartitionKey) ([]int64, error)
	CountPartition(ctx context.Context, key PartitionKey) (int, error)
	PartitionStats(ctx context.Context, key PartitionKey) (Partition, error)
	AllPartitionStats(ctx context.Context) ([]Partition, error)
	UpsertPartitionStats(ctx context.Context, partition Partition) error
	ArchiveAndDelete(ctx context.Context, key PartitionKey, ids []int64, removedAt time.Time) (int, error)
}

// JobStore persists crawl job records.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	UpdateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobs(ctx context.Context, limit int) ([]CrawlJob, error)
}

// KnownIDSet tracks the listing ids already present in the Store.
type KnownIDSet interface {
	Seed(ctx context.Context, ids []int64) error
	Known(ctx context.Context, ids []int64) (map[int64]bool, error)
	Add(ctx context.Context, ids []int64) error
	Remove(ctx context.Context, ids []int64) error
	Len(ctx context.Context) (int, error)
}

// BlobStore writes archive snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher digests archive snapshots.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
