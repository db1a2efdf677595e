package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the partition_runs status column.
type RunStatus string

// Partition run statuses persisted in partition_runs.status.
const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
)

// PartitionRun is the progress of one partition walk within a job.
type PartitionRun struct {
	// JobID is the owning crawl job.
	JobID uuid.UUID `json:"job_id"`
	// Partition is the catalog key ("konut_satilik").
	Partition string `json:"partition"`
	// Worker is the coordinator worker that walked the partition.
	Worker int `json:"worker"`
	// StartedAt is when the walk began.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil while the walk runs.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// LastUpdate is the timestamp of the most recent applied event.
	LastUpdate time.Time `json:"last_update"`
	Pages      int64     `json:"pages"`
	Records    int64     `json:"records"`
	Fresh      int64     `json:"fresh"`
	// StopReason is set once the walk ends.
	StopReason string    `json:"stop_reason,omitempty"`
	Status     RunStatus `json:"status"`
	// ErrorMessage optionally stores the failure that ended the walk.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// ProgressRepository persists incremental partition progress.
type ProgressRepository interface {
	// StartPartition inserts (or idempotently refreshes) a running row.
	StartPartition(ctx context.Context, jobID uuid.UUID, partition string, worker int, at time.Time) error
	// AddPageDeltas applies page/record/fresh deltas, creating the row if needed.
	AddPageDeltas(
		ctx context.Context,
		jobID uuid.UUID,
		partition string,
		pages, records, fresh int64,
		at time.Time,
	) error
	// FinishPartition marks the walk ended with its stop reason.
	FinishPartition(
		ctx context.Context,
		jobID uuid.UUID,
		partition string,
		stopReason string,
		errMsg *string,
		at time.Time,
	) error
	// ListPartitionRuns returns the runs of one job, most recently updated first.
	ListPartitionRuns(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]PartitionRun, error)
}
