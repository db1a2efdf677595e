package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.CrawlJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.CrawlJob)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces the stored job. Terminal jobs cannot be updated.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	if current.Status.Terminal() {
		return errors.New("job already finished")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns up to limit jobs, most recently started first.
func (s *JobStore) ListJobs(_ context.Context, limit int) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	out := make([]crawler.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b crawler.CrawlJob) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(job crawler.CrawlJob) crawler.CrawlJob {
	job.RequestedPartitions = slices.Clone(job.RequestedPartitions)
	job.Options.Partitions = slices.Clone(job.Options.Partitions)
	job.Stats.Skipped = slices.Clone(job.Stats.Skipped)
	job.Stats.Partitions = slices.Clone(job.Stats.Partitions)
	job.Stats.Errors = slices.Clone(job.Stats.Errors)
	if job.CompletedAt != nil {
		done := *job.CompletedAt
		job.CompletedAt = &done
	}
	return job
}
