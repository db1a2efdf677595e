// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// Category is the property category segment of a catalog partition.
type Category string

// Catalog categories.
const (
	CategoryResidential Category = "konut"
	CategoryLand        Category = "arsa"
	CategoryCommercial  Category = "isyeri"
	CategoryBuilding    Category = "bina"
)

// Transaction is the sale/rent segment of a catalog partition.
type Transaction string

// Catalog transactions.
const (
	TransactionSale Transaction = "satilik"
	TransactionRent Transaction = "kiralik"
)

// PartitionKey identifies one (category, transaction) slice of the catalog.
type PartitionKey struct {
	Category    Category    `json:"category"`
	Transaction Transaction `json:"transaction"`
}

// String renders the key as "<category>_<transaction>".
func (k PartitionKey) String() string {
	return string(k.Category) + "_" + string(k.Transaction)
}

// PartitionStatus summarizes how the remote count relates to the local count.
type PartitionStatus string

// Partition status values persisted in partition_stats.status.
const (
	PartitionSynced  PartitionStatus = "synced"
	PartitionNew     PartitionStatus = "new"
	PartitionRemoved PartitionStatus = "removed"
)

// Partition carries the persisted statistics for one catalog partition.
type Partition struct {
	Key           PartitionKey    `json:"key"`
	RemoteCount   int             `json:"remote_count"`
	LocalCount    int             `json:"local_count"`
	Diff          int             `json:"diff"`
	Status        PartitionStatus `json:"status"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
}

// Observe records a fresh remote/local count pair, keeping Diff and Status consistent.
func (p *Partition) Observe(remote, local int, at time.Time) {
	p.RemoteCount = remote
	p.LocalCount = local
	p.Diff = remote - local
	switch {
	case p.Diff > 0:
		p.Status = PartitionNew
	case p.Diff < 0:
		p.Status = PartitionRemoved
	default:
		p.Status = PartitionSynced
	}
	checked := at
	p.LastCheckedAt = &checked
}

// RawListing is one record as returned by a PageExtractor, before normalization.
type RawListing struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Price     string `json:"price"`
	Location  string `json:"location"`
	Date      string `json:"date"`
	ImageURL  string `json:"image_url"`
	DetailURL string `json:"detail_url"`
}

// Listing is one normalized remote catalog entry.
type Listing struct {
	ID          int64       `json:"id"`
	Title       string      `json:"title"`
	Price       int64       `json:"price"`
	Location    string      `json:"location"`
	PostedLabel string      `json:"posted_label"`
	PostedAt    *time.Time  `json:"posted_at,omitempty"`
	ImageURL    string      `json:"image_url"`
	DetailURL   string      `json:"detail_url"`
	Category    Category    `json:"category"`
	Transaction Transaction `json:"transaction"`
	CrawledAt   time.Time   `json:"crawled_at"`
	Fresh       bool        `json:"-"`
}

// Partition returns the key of the partition the listing belongs to.
func (l Listing) Partition() PartitionKey {
	return PartitionKey{Category: l.Category, Transaction: l.Transaction}
}

// NewListingRecord is the side record written the first time a fresh listing is observed.
type NewListingRecord struct {
	ListingID   int64       `json:"listing_id"`
	Title       string      `json:"title"`
	DetailURL   string      `json:"detail_url"`
	Price       int64       `json:"price"`
	Location    string      `json:"location"`
	Category    Category    `json:"category"`
	Transaction Transaction `json:"transaction"`
	ImageURL    string      `json:"image_url"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
}

// RemovedListing is the archived copy of a listing that disappeared from the catalog.
type RemovedListing struct {
	ListingID     int64       `json:"listing_id"`
	Title         string      `json:"title"`
	DetailURL     string      `json:"detail_url"`
	LastPrice     int64       `json:"last_price"`
	Location      string      `json:"location"`
	Category      Category    `json:"category"`
	Transaction   Transaction `json:"transaction"`
	ImageURL      string      `json:"image_url"`
	LastSeenAt    time.Time   `json:"last_seen_at"`
	RemovedAt     time.Time   `json:"removed_at"`
	RemovalReason string      `json:"removal_reason"`
	DaysActive    int         `json:"days_active"`
	PriceChanges  int         `json:"price_changes"`
}

// RemovalReasonNotFound marks listings absent from a complete enumeration.
const RemovalReasonNotFound = "not_found_in_crawl"

// Page is the raw content returned by a PageFetcher.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Extraction is the structured content a PageExtractor pulls out of a Page.
type Extraction struct {
	Records      []RawListing
	TotalHint    int
	HasTotalHint bool
}

// SaveResult counts how one persisted batch was classified.
type SaveResult struct {
	New      int `json:"new"`
	Updated  int `json:"updated"`
	Observed int `json:"observed"`
}

// StopReason explains why a partition walk ended.
type StopReason string

// Partition walk termination reasons.
const (
	StopEmptyPage       StopReason = "empty_page"
	StopThinPage        StopReason = "thin_page"
	StopSmartStop       StopReason = "smart_stop"
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopCancelled       StopReason = "cancelled"
	StopError           StopReason = "error"
)

// PartitionErrorKind says which step of a partition run failed.
type PartitionErrorKind string

// Partition error kinds. A persistence failure means fetched listings were
// lost, so it fails the whole job.
const (
	ErrorKindFetch       PartitionErrorKind = "fetch"
	ErrorKindExtract     PartitionErrorKind = "extract"
	ErrorKindPersistence PartitionErrorKind = "persistence"
	ErrorKindReconcile   PartitionErrorKind = "reconcile"
	ErrorKindWorker      PartitionErrorKind = "worker"
)

// PartitionError captures enough detail to diagnose a failed page without logs.
type PartitionError struct {
	Partition string             `json:"partition"`
	Page      int                `json:"page"`
	Kind      PartitionErrorKind `json:"kind,omitempty"`
	Message   string             `json:"message"`
	At        time.Time          `json:"at"`
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobOptions captures the per-run configuration surface.
type JobOptions struct {
	Partitions []string `json:"partitions"`
	Force      bool     `json:"force"`
	Reconcile  bool     `json:"reconcile"`
	Ascending  bool     `json:"ascending"`
	Workers    int      `json:"workers"`
	MaxPages   int      `json:"max_pages"`
}

// PartitionSummary records the outcome of one partition within a job.
type PartitionSummary struct {
	Partition  string     `json:"partition"`
	Worker     int        `json:"worker"`
	Decision   string     `json:"decision"`
	Budget     int        `json:"budget"`
	Pages      int        `json:"pages"`
	Listings   int        `json:"listings"`
	Fresh      int        `json:"fresh"`
	New        int        `json:"new"`
	Updated    int        `json:"updated"`
	Removed    int        `json:"removed"`
	StopReason StopReason `json:"stop_reason"`
	PagesSaved int        `json:"pages_saved"`
}

// JobStats aggregates counters across every partition of a job.
type JobStats struct {
	New        int                `json:"new"`
	Updated    int                `json:"updated"`
	Removed    int                `json:"removed"`
	Pages      int                `json:"pages"`
	Listings   int                `json:"listings"`
	SmartStops int                `json:"smart_stops"`
	PagesSaved int                `json:"pages_saved"`
	Skipped    []string           `json:"skipped,omitempty"`
	Partitions []PartitionSummary `json:"partitions,omitempty"`
	Errors     []PartitionError   `json:"errors"`
}

// Merge folds another stats value into s.
func (s *JobStats) Merge(other JobStats) {
	s.New += other.New
	s.Updated += other.Updated
	s.Removed += other.Removed
	s.Pages += other.Pages
	s.Listings += other.Listings
	s.SmartStops += other.SmartStops
	s.PagesSaved += other.PagesSaved
	s.Skipped = append(s.Skipped, other.Skipped...)
	s.Partitions = append(s.Partitions, other.Partitions...)
	s.Errors = append(s.Errors, other.Errors...)
}

// PersistenceFailure returns the first error that lost fetched listings.
func (s JobStats) PersistenceFailure() (PartitionError, bool) {
	for _, e := range s.Errors {
		if e.Kind == ErrorKindPersistence {
			return e, true
		}
	}
	return PartitionError{}, false
}

// Progress is the externally polled progress indicator of a job.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

// CrawlJob is one orchestration run.
type CrawlJob struct {
	ID                  string     `json:"id"`
	RequestedPartitions []string   `json:"requested_partitions"`
	Options             JobOptions `json:"options"`
	Status              JobStatus  `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	Stats               JobStats   `json:"stats"`
	Progress            Progress   `json:"progress"`
	Error               string     `json:"error,omitempty"`
}
