package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/store"
)

// ProgressStore implements store.ProgressRepository on partition_runs.
type ProgressStore struct {
	db DB
}

// NewProgressStore wraps an open pool.
func NewProgressStore(db DB) (*ProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{db: db}, nil
}

// StartPartition inserts a running row, or refreshes the worker of an existing one.
func (s *ProgressStore) StartPartition(ctx context.Context, jobID uuid.UUID, partition string, worker int, at time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO partition_runs (job_id, partition, worker, started_at, last_update, status)
VALUES ($1, $2, $3, $4, $4, $5)
ON CONFLICT (job_id, partition) DO UPDATE
SET worker = EXCLUDED.worker, last_update = GREATEST(partition_runs.last_update, EXCLUDED.last_update)`,
		jobID, partition, worker, at, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("upsert partition start: %w", err)
	}
	return nil
}

// AddPageDeltas adds page counters, creating the row if the start event was lost.
func (s *ProgressStore) AddPageDeltas(
	ctx context.Context,
	jobID uuid.UUID,
	partition string,
	pages, records, fresh int64,
	at time.Time,
) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO partition_runs (job_id, partition, started_at, last_update, pages, records, fresh, status)
VALUES ($1, $2, $3, $3, $4, $5, $6, $7)
ON CONFLICT (job_id, partition) DO UPDATE SET
	pages = partition_runs.pages + EXCLUDED.pages,
	records = partition_runs.records + EXCLUDED.records,
	fresh = partition_runs.fresh + EXCLUDED.fresh,
	last_update = GREATEST(partition_runs.last_update, EXCLUDED.last_update)`,
		jobID, partition, at, pages, records, fresh, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("add page deltas: %w", err)
	}
	return nil
}

// FinishPartition marks the run done, or error when the walk stopped on one.
func (s *ProgressStore) FinishPartition(
	ctx context.Context,
	jobID uuid.UUID,
	partition string,
	stopReason string,
	errMsg *string,
	at time.Time,
) error {
	status := store.RunDone
	if stopReason == string(crawler.StopError) {
		status = store.RunError
	}
	tag, err := s.db.Exec(ctx, `
UPDATE partition_runs
SET finished_at = $3, last_update = GREATEST(last_update, $3), stop_reason = $4, status = $5, error_message = $6
WHERE job_id = $1 AND partition = $2`,
		jobID, partition, at, stopReason, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("finish partition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListPartitionRuns returns the runs of jobID, most recently updated first.
func (s *ProgressStore) ListPartitionRuns(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]store.PartitionRun, error) {
	rows, err := s.db.Query(ctx, `
SELECT job_id, partition, worker, started_at, finished_at, last_update, pages, records, fresh, stop_reason, status, error_message
FROM partition_runs
WHERE job_id = $1
ORDER BY last_update DESC, partition
LIMIT $2 OFFSET $3`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list partition runs: %w", err)
	}
	defer rows.Close()

	var runs []store.PartitionRun
	for rows.Next() {
		var (
			run    store.PartitionRun
			status string
		)
		if err := rows.Scan(
			&run.JobID,
			&run.Partition,
			&run.Worker,
			&run.StartedAt,
			&run.FinishedAt,
			&run.LastUpdate,
			&run.Pages,
			&run.Records,
			&run.Fresh,
			&run.StopReason,
			&status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan partition run: %w", err)
		}
		run.Status = store.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition runs: %w", err)
	}
	return runs, nil
}
