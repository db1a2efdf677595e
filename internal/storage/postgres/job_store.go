package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// JobStore implements crawler.JobStore on the crawl_jobs table.
type JobStore struct {
	db DB
}

// NewJobStore wraps an open pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

const jobColumns = `id, requested_partitions, options, status, started_at, completed_at, stats, progress, error`

type jobDocs struct {
	partitions []byte
	options    []byte
	stats      []byte
	progress   []byte
}

func encodeJob(job crawler.CrawlJob) (jobDocs, error) {
	var (
		d   jobDocs
		err error
	)
	partitions := job.RequestedPartitions
	if partitions == nil {
		partitions = []string{}
	}
	if d.partitions, err = json.Marshal(partitions); err != nil {
		return d, fmt.Errorf("marshal partitions: %w", err)
	}
	if d.options, err = json.Marshal(job.Options); err != nil {
		return d, fmt.Errorf("marshal options: %w", err)
	}
	if d.stats, err = json.Marshal(job.Stats); err != nil {
		return d, fmt.Errorf("marshal stats: %w", err)
	}
	if d.progress, err = json.Marshal(job.Progress); err != nil {
		return d, fmt.Errorf("marshal progress: %w", err)
	}
	return d, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	d, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO crawl_jobs (`+jobColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID, d.partitions, d.options, string(job.Status), job.StartedAt, job.CompletedAt,
		d.stats, d.progress, job.Error,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob rewrites a running job. Terminal jobs are left untouched and
// reported as an error.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.CrawlJob) error {
	d, err := encodeJob(job)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE crawl_jobs SET
	status = $2, completed_at = $3, stats = $4, progress = $5, error = $6
WHERE id = $1 AND status = $7`,
		job.ID, string(job.Status), job.CompletedAt, d.stats, d.progress, job.Error,
		string(crawler.JobStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, job.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return fmt.Errorf("job %s already %s", job.ID, status)
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, most recently started first.
func (s *JobStore) ListJobs(ctx context.Context, limit int) ([]crawler.CrawlJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		job         crawler.CrawlJob
		status      string
		completedAt *time.Time
		d           jobDocs
	)
	if err := row.Scan(
		&job.ID, &d.partitions, &d.options, &status, &job.StartedAt, &completedAt,
		&d.stats, &d.progress, &job.Error,
	); err != nil {
		return crawler.CrawlJob{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.CompletedAt = completedAt
	for _, doc := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"requested_partitions", d.partitions, &job.RequestedPartitions},
		{"options", d.options, &job.Options},
		{"stats", d.stats, &job.Stats},
		{"progress", d.progress, &job.Progress},
	} {
		if len(doc.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(doc.raw, doc.dst); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode %s: %w", doc.name, err)
		}
	}
	return job, nil
}
