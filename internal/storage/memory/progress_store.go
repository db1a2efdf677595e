package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/store"
)

type runKey struct {
	jobID     uuid.UUID
	partition string
}

// ProgressStore is an in-memory store.ProgressRepository.
type ProgressStore struct {
	mu   sync.RWMutex
	runs map[runKey]store.PartitionRun
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{runs: make(map[runKey]store.PartitionRun)}
}

// StartPartition inserts a running row or refreshes its worker.
func (s *ProgressStore) StartPartition(_ context.Context, jobID uuid.UUID, partition string, worker int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{jobID: jobID, partition: partition}
	run, ok := s.runs[key]
	if !ok {
		run = store.PartitionRun{JobID: jobID, Partition: partition, StartedAt: at, Status: store.RunRunning}
	}
	run.Worker = worker
	run.LastUpdate = latest(run.LastUpdate, at)
	s.runs[key] = run
	return nil
}

// AddPageDeltas adds the deltas, creating a running row when none exists.
func (s *ProgressStore) AddPageDeltas(
	_ context.Context,
	jobID uuid.UUID,
	partition string,
	pages, records, fresh int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{jobID: jobID, partition: partition}
	run, ok := s.runs[key]
	if !ok {
		run = store.PartitionRun{JobID: jobID, Partition: partition, StartedAt: at, Status: store.RunRunning}
	}
	run.Pages += pages
	run.Records += records
	run.Fresh += fresh
	run.LastUpdate = latest(run.LastUpdate, at)
	s.runs[key] = run
	return nil
}

// FinishPartition records the stop reason. Runs stopped by an error are
// marked RunError.
func (s *ProgressStore) FinishPartition(
	_ context.Context,
	jobID uuid.UUID,
	partition string,
	stopReason string,
	errMsg *string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{jobID: jobID, partition: partition}
	run, ok := s.runs[key]
	if !ok {
		return store.ErrNotFound
	}
	finished := at
	run.FinishedAt = &finished
	run.StopReason = stopReason
	run.Status = store.RunDone
	if stopReason == string(crawler.StopError) {
		run.Status = store.RunError
	}
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	run.LastUpdate = latest(run.LastUpdate, at)
	s.runs[key] = run
	return nil
}

// ListPartitionRuns returns the runs of jobID, most recently updated first.
func (s *ProgressStore) ListPartitionRuns(_ context.Context, jobID uuid.UUID, limit, offset int) ([]store.PartitionRun, error) {
	s.mu.RLock()
	var out []store.PartitionRun
	for key, run := range s.runs {
		if key.jobID == jobID {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.PartitionRun) int {
		if c := b.LastUpdate.Compare(a.LastUpdate); c != 0 {
			return c
		}
		return cmp.Compare(a.Partition, b.Partition)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
