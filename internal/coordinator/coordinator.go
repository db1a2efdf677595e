// Package coordinator runs one crawl job's partitions across a fixed set of
// workers that share a single rate limiter.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/metrics"
	"github.com/JakeFAU/listing-sync-crawler/internal/walker"
)

// PartitionWalker walks one partition with the given fetcher.
type PartitionWalker interface {
	Walk(ctx context.Context, fetcher crawler.PageFetcher, req walker.Request) walker.Result
}

// RemovalReconciler archives listings that a complete walk did not see.
type RemovalReconciler interface {
	ReconcileRemovals(ctx context.Context, key crawler.PartitionKey, seen map[int64]struct{}, complete bool) (int, error)
}

// Pacer is the shared rate limiter, told how many workers each run uses so
// their stagger offsets stay distinct.
type Pacer interface {
	SetWorkers(n int)
}

// Task is one partition assigned to a worker.
type Task struct {
	Partition crawler.PartitionKey
	Budget    int
	Decision  string
}

// Spec describes one coordinated run. Assignments[i] is the ordered task list
// of worker i; lists must be disjoint.
type Spec struct {
	JobID       string
	Assignments [][]Task
	Force       bool
	Reconcile   bool
	Ascending   bool
}

// Config wires a Coordinator.
type Config struct {
	Walker     PartitionWalker
	Reconciler RemovalReconciler
	Fetchers   crawler.FetcherFactory
	Pacer      Pacer
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Coordinator fans a Spec out to workers and merges their results.
type Coordinator struct {
	walker     PartitionWalker
	reconciler RemovalReconciler
	fetchers   crawler.FetcherFactory
	pacer      Pacer
	clock      crawler.Clock
	logger     *zap.Logger
}

// New validates cfg and builds a Coordinator. Reconciler may be nil when
// removal reconciliation is never requested; Pacer may be nil.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Walker == nil {
		return nil, errors.New("coordinator requires a walker")
	}
	if cfg.Fetchers == nil {
		return nil, errors.New("coordinator requires a fetcher factory")
	}
	if cfg.Clock == nil {
		return nil, errors.New("coordinator requires a clock")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		walker:     cfg.Walker,
		reconciler: cfg.Reconciler,
		fetchers:   cfg.Fetchers,
		pacer:      cfg.Pacer,
		clock:      cfg.Clock,
		logger:     logger.Named("coordinator"),
	}, nil
}

// Run starts one goroutine per non-empty assignment and blocks until every
// worker is done. A failing partition never stops its siblings; failures are
// collected in the returned stats.
func (c *Coordinator) Run(ctx context.Context, spec Spec) crawler.JobStats {
	if c.pacer != nil {
		c.pacer.SetWorkers(len(spec.Assignments))
	}
	results := make([]crawler.JobStats, len(spec.Assignments))
	var wg sync.WaitGroup
	for workerID, tasks := range spec.Assignments {
		if len(tasks) == 0 {
			continue
		}
		wg.Add(1)
		go func(workerID int, tasks []Task) {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			results[workerID] = c.runWorker(ctx, spec, workerID, tasks)
		}(workerID, tasks)
	}
	wg.Wait()

	var total crawler.JobStats
	for _, r := range results {
		total.Merge(r)
	}
	if total.Errors == nil {
		total.Errors = []crawler.PartitionError{}
	}
	c.logger.Info("coordinated run finished",
		zap.String("job_id", spec.JobID),
		zap.Int("workers", len(spec.Assignments)),
		zap.Int("pages", total.Pages),
		zap.Int("new", total.New),
		zap.Int("updated", total.Updated),
		zap.Int("removed", total.Removed),
		zap.Int("errors", len(total.Errors)),
	)
	return total
}

func (c *Coordinator) runWorker(ctx context.Context, spec Spec, workerID int, tasks []Task) crawler.JobStats {
	var stats crawler.JobStats
	logger := c.logger.With(zap.Int("worker", workerID), zap.String("job_id", spec.JobID))

	fetcher, err := c.fetchers.NewFetcher(ctx, workerID)
	if err != nil {
		logger.Error("fetcher unavailable", zap.Error(err))
		now := c.clock.Now()
		for _, t := range tasks {
			stats.Errors = append(stats.Errors, crawler.PartitionError{
				Partition: t.Partition.String(),
				Kind:      crawler.ErrorKindWorker,
				Message:   fmt.Sprintf("worker %d: start fetcher: %v", workerID, err),
				At:        now,
			})
		}
		return stats
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("closing fetcher failed", zap.Error(err))
		}
	}()

	logger.Info("worker started", zap.Int("partitions", len(tasks)))
	for _, t := range tasks {
		if ctx.Err() != nil {
			logger.Info("worker stopping early", zap.Error(ctx.Err()))
			break
		}
		stats.Merge(c.runTask(ctx, logger, fetcher, spec, workerID, t))
	}
	return stats
}

// runTask walks one partition. A panic is recovered into a partition error
// so the worker can move on to its next partition.
func (c *Coordinator) runTask(
	ctx context.Context,
	logger *zap.Logger,
	fetcher crawler.PageFetcher,
	spec Spec,
	workerID int,
	t Task,
) (stats crawler.JobStats) {
	partition := t.Partition.String()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("partition walk panicked", zap.String("partition", partition), zap.Any("panic", r))
			stats.Errors = append(stats.Errors, crawler.PartitionError{
				Partition: partition,
				Kind:      crawler.ErrorKindWorker,
				Message:   fmt.Sprintf("worker %d panic: %v", workerID, r),
				At:        c.clock.Now(),
			})
		}
	}()

	res := c.walker.Walk(ctx, fetcher, walker.Request{
		Partition: t.Partition,
		Budget:    t.Budget,
		Force:     spec.Force,
		Reconcile: spec.Reconcile,
		Ascending: spec.Ascending,
		JobID:     spec.JobID,
		WorkerID:  workerID,
	})

	summary := crawler.PartitionSummary{
		Partition:  partition,
		Worker:     workerID,
		Decision:   t.Decision,
		Budget:     res.MaxPages,
		Pages:      res.PagesWalked,
		Listings:   res.Records,
		Fresh:      res.Fresh,
		New:        res.New,
		Updated:    res.Updated,
		StopReason: res.StopReason,
		PagesSaved: res.PagesSaved,
	}
	if res.Err != nil {
		stats.Errors = append(stats.Errors, *res.Err)
	}

	if spec.Reconcile && c.reconciler != nil && res.StopReason != crawler.StopCancelled {
		removed, err := c.reconcile(ctx, t.Partition, res)
		switch {
		case errors.Is(err, crawler.ErrReconciliationPrecondition):
			logger.Warn("removal reconciliation skipped",
				zap.String("partition", partition), zap.String("stop_reason", string(res.StopReason)))
		case err != nil:
			logger.Error("removal reconciliation failed", zap.String("partition", partition), zap.Error(err))
			kind := crawler.ErrorKindReconcile
			if crawler.IsPersistenceError(err) {
				kind = crawler.ErrorKindPersistence
			}
			stats.Errors = append(stats.Errors, crawler.PartitionError{
				Partition: partition,
				Kind:      kind,
				Message:   fmt.Sprintf("reconcile removals: %v", err),
				At:        c.clock.Now(),
			})
		default:
			summary.Removed = removed
			metrics.ObserveListings(partition, "removed", removed)
		}
	}

	stats.New = summary.New
	stats.Updated = summary.Updated
	stats.Removed = summary.Removed
	stats.Pages = summary.Pages
	stats.Listings = summary.Listings
	stats.PagesSaved = summary.PagesSaved
	if res.StopReason == crawler.StopSmartStop {
		stats.SmartStops = 1
	}
	stats.Partitions = []crawler.PartitionSummary{summary}
	return stats
}

func (c *Coordinator) reconcile(ctx context.Context, key crawler.PartitionKey, res walker.Result) (int, error) {
	// Detached from job cancellation so archive and delete finish together.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	return c.reconciler.ReconcileRemovals(ctx, key, res.SeenIDs, res.Complete)
}
