// Package dispatcher queues crawl jobs and runs them one at a time through the
// worker coordinator.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/catalog"
	"github.com/JakeFAU/listing-sync-crawler/internal/coordinator"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/decision"
	"github.com/JakeFAU/listing-sync-crawler/internal/metrics"
	"github.com/JakeFAU/listing-sync-crawler/internal/progress"
	"github.com/JakeFAU/listing-sync-crawler/internal/queue/memory"
)

const tracerName = "github.com/JakeFAU/listing-sync-crawler/internal/dispatcher"

// TopicJobFinished is published once per finished job.
const TopicJobFinished = "crawl.job.finished"

// Defaults applied by New.
const (
	DefaultTimeout   = time.Hour
	DefaultQueueSize = 8
	DefaultWorkers   = 2
)

// ForceBudget asks the walker to derive the page budget from the remote total.
const ForceBudget = 999

// DecisionForce is recorded for partitions walked without consulting the
// decision engine.
const DecisionForce = "force"

var (
	// ErrInvalidRequest wraps job requests that name unknown partitions.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrJobNotRunning is returned when cancelling a job that is not active.
	ErrJobNotRunning = errors.New("job is not running")

	errJobCancelled = errors.New("job cancelled")
	errShutdown     = errors.New("dispatcher stopped")
)

// Planner decides whether a partition needs a walk.
type Planner interface {
	ShouldCrawl(ctx context.Context, key crawler.PartitionKey) decision.Decision
}

// Runner executes a coordinated run.
type Runner interface {
	Run(ctx context.Context, spec coordinator.Spec) crawler.JobStats
}

// Seeder prepares the known-id set before a job walks anything.
type Seeder interface {
	Seed(ctx context.Context) (int, error)
}

// Config wires a Dispatcher. Publisher and Seeder are optional.
type Config struct {
	Jobs      crawler.JobStore
	Planner   Planner
	Runner    Runner
	Tracker   *Tracker
	Seeder    Seeder
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Logger    *zap.Logger

	Timeout        time.Duration
	QueueSize      int
	DefaultWorkers int
}

type queued struct {
	job  crawler.CrawlJob
	keys []crawler.PartitionKey
}

type activeJob struct {
	id        string
	done      chan struct{}
	cancel    context.CancelCauseFunc
	cancelled bool
}

// Dispatcher owns the job queue and the single running job.
type Dispatcher struct {
	cfg    Config
	queue  *memory.Queue[queued]
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	active *activeJob
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("dispatcher requires a job store")
	}
	if cfg.Planner == nil {
		return nil, errors.New("dispatcher requires a planner")
	}
	if cfg.Runner == nil {
		return nil, errors.New("dispatcher requires a runner")
	}
	if cfg.IDs == nil {
		return nil, errors.New("dispatcher requires an id generator")
	}
	if cfg.Clock == nil {
		return nil, errors.New("dispatcher requires a clock")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker(cfg.Jobs, nil, cfg.Logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = DefaultWorkers
	}
	return &Dispatcher{
		cfg:    cfg,
		queue:  memory.NewQueue[queued](cfg.QueueSize),
		logger: cfg.Logger.Named("dispatcher"),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Submit records a new running job and queues it. Only one job may be active
// at a time; a second submission fails with crawler.ErrJobRunning.
func (d *Dispatcher) Submit(ctx context.Context, opts crawler.JobOptions) (crawler.CrawlJob, error) {
	keys, err := catalog.ParseAll(opts.Partitions)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if opts.Workers <= 0 {
		opts.Workers = d.cfg.DefaultWorkers
	}
	if opts.MaxPages < 0 {
		return crawler.CrawlJob{}, fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidRequest)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return crawler.CrawlJob{}, crawler.ErrJobRunning
	}

	id, err := d.cfg.IDs.NewID()
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	opts.Partitions = names
	job := crawler.CrawlJob{
		ID:                  id,
		RequestedPartitions: names,
		Options:             opts,
		Status:              crawler.JobStatusRunning,
		StartedAt:           d.cfg.Clock.Now(),
		Stats:               crawler.JobStats{Errors: []crawler.PartitionError{}},
		Progress:            crawler.Progress{Message: "queued"},
	}
	if err := d.cfg.Jobs.CreateJob(ctx, job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	if err := d.queue.TryEnqueue(queued{job: job, keys: keys}); err != nil {
		d.finishUnstarted(ctx, job, fmt.Sprintf("enqueue: %v", err))
		return crawler.CrawlJob{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.active = &activeJob{id: id, done: make(chan struct{})}
	d.logger.Info("job submitted", zap.String("job_id", id), zap.Strings("partitions", names),
		zap.Bool("force", opts.Force), zap.Bool("reconcile", opts.Reconcile), zap.Int("workers", opts.Workers))
	return job, nil
}

// Run consumes the queue one job at a time until ctx ends or the queue is
// closed.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, memory.ErrClosed) && ctx.Err() == nil {
				d.logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		d.execute(ctx, item)
	}
}

// Close stops accepting jobs. Run returns once the queue drains.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// Cancel stops the active job. The job ends with status cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	if d.active != nil && d.active.id == jobID {
		d.active.cancelled = true
		if d.active.cancel != nil {
			d.active.cancel(errJobCancelled)
		}
		d.mu.Unlock()
		d.logger.Info("job cancellation requested", zap.String("job_id", jobID))
		return nil
	}
	d.mu.Unlock()

	if _, err := d.cfg.Jobs.GetJob(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return fmt.Errorf("cancel job %s: %w", jobID, ErrJobNotRunning)
}

// Running returns the id of the active job, if any.
func (d *Dispatcher) Running() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return "", false
	}
	return d.active.id, true
}

// Wait blocks until jobID finishes or ctx ends and returns the stored job.
func (d *Dispatcher) Wait(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	d.mu.Lock()
	var done chan struct{}
	if d.active != nil && d.active.id == jobID {
		done = d.active.done
	}
	d.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return crawler.CrawlJob{}, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		}
	}
	job, err := d.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

func (d *Dispatcher) execute(parent context.Context, item queued) {
	job := item.job
	logger := d.logger.With(zap.String("job_id", job.ID))

	cancelCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	timeoutMsg := fmt.Sprintf("timeout after %s", d.cfg.Timeout)
	ctx, stop := context.WithTimeoutCause(cancelCtx, d.cfg.Timeout, errors.New(timeoutMsg))
	defer stop()

	d.mu.Lock()
	act := d.active
	if act == nil || act.id != job.ID {
		act = &activeJob{id: job.ID, done: make(chan struct{})}
		d.active = act
	}
	act.cancel = cancel
	cancelledEarly := act.cancelled
	d.mu.Unlock()

	ctx, span := d.tracer.Start(ctx, "dispatcher.job", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.StringSlice("partitions", job.RequestedPartitions),
		attribute.Bool("force", job.Options.Force),
	))
	defer span.End()

	started := d.cfg.Clock.Now()
	jobKey := progress.JobIDBytes(job.ID)
	d.cfg.Tracker.Emit(progress.Event{JobID: jobKey, TS: started, Stage: progress.StageJobStart})

	if cancelledEarly {
		cancel(errJobCancelled)
	}

	if ctx.Err() == nil && d.cfg.Seeder != nil {
		if _, err := d.cfg.Seeder.Seed(ctx); err != nil && ctx.Err() == nil {
			logger.Error("job failed to start", zap.Error(err))
			job.Status = crawler.JobStatusFailed
			job.Error = err.Error()
			d.finish(parent, span, logger, job, started)
			return
		}
	}

	spec, total, skipped := d.plan(ctx, job, item.keys)
	job.Stats.Skipped = skipped
	job.Progress = crawler.Progress{Total: total, Message: fmt.Sprintf("crawling %d partitions", countTasks(spec))}
	if err := d.cfg.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Warn("persisting job plan failed", zap.Error(err))
	}

	if ctx.Err() == nil && countTasks(spec) > 0 {
		d.cfg.Tracker.begin(job)
		stats := d.cfg.Runner.Run(ctx, spec)
		job.Progress = d.cfg.Tracker.end(job.ID)
		stats.Skipped = append(skipped, stats.Skipped...)
		job.Stats = stats
	}

	switch cause := context.Cause(ctx); {
	case cause == nil:
		job.Status = crawler.JobStatusCompleted
		if failure, ok := job.Stats.PersistenceFailure(); ok {
			job.Status = crawler.JobStatusFailed
			job.Error = fmt.Sprintf("persistence failure in %s page %d: %s",
				failure.Partition, failure.Page, failure.Message)
		}
	case errors.Is(cause, errJobCancelled):
		job.Status = crawler.JobStatusCancelled
		job.Error = errJobCancelled.Error()
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		job.Status = crawler.JobStatusFailed
		job.Error = timeoutMsg
	default:
		job.Status = crawler.JobStatusCancelled
		job.Error = errShutdown.Error()
	}
	d.finish(parent, span, logger, job, started)
}

// plan applies the decision engine unless the job forces a full walk, then
// spreads the surviving partitions over the workers.
func (d *Dispatcher) plan(
	ctx context.Context,
	job crawler.CrawlJob,
	keys []crawler.PartitionKey,
) (coordinator.Spec, int, []string) {
	opts := job.Options
	var skipped []string
	tasks := make(map[crawler.PartitionKey]coordinator.Task, len(keys))
	crawlKeys := make([]crawler.PartitionKey, 0, len(keys))
	for _, k := range keys {
		t := coordinator.Task{Partition: k, Budget: ForceBudget, Decision: DecisionForce}
		if !opts.Force {
			dec := d.cfg.Planner.ShouldCrawl(ctx, k)
			if !dec.Crawl {
				skipped = append(skipped, k.String())
				d.logger.Info("partition skipped", zap.String("job_id", job.ID),
					zap.String("partition", k.String()), zap.String("reason", dec.Reason))
				continue
			}
			t.Budget, t.Decision = dec.Budget, dec.Reason
		}
		if opts.MaxPages > 0 && t.Budget > opts.MaxPages {
			t.Budget = opts.MaxPages
		}
		tasks[k] = t
		crawlKeys = append(crawlKeys, k)
	}

	spec := coordinator.Spec{
		JobID:     job.ID,
		Force:     opts.Force,
		Reconcile: opts.Reconcile,
		Ascending: opts.Ascending,
	}
	total := 0
	if len(crawlKeys) == 0 {
		return spec, 0, skipped
	}
	for _, list := range catalog.Distribute(crawlKeys, opts.Workers) {
		assigned := make([]coordinator.Task, 0, len(list))
		for _, k := range list {
			assigned = append(assigned, tasks[k])
			total += tasks[k].Budget
		}
		spec.Assignments = append(spec.Assignments, assigned)
	}
	return spec, total, skipped
}

func (d *Dispatcher) finish(parent context.Context, span trace.Span, logger *zap.Logger, job crawler.CrawlJob, started time.Time) {
	now := d.cfg.Clock.Now()
	job.CompletedAt = &now
	if job.Stats.Errors == nil {
		job.Stats.Errors = []crawler.PartitionError{}
	}
	if job.Status == crawler.JobStatusCompleted {
		job.Progress.Current = job.Progress.Total
		job.Progress.Percentage = 100
	}
	job.Progress.Message = string(job.Status)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), progressWriteTimeout)
	defer cancel()
	if err := d.cfg.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Error("persisting finished job failed", zap.Error(err))
	}

	metrics.ObserveJob(string(job.Status))
	stage := progress.StageJobDone
	if job.Status != crawler.JobStatusCompleted {
		stage = progress.StageJobError
		span.SetStatus(codes.Error, job.Error)
	}
	d.cfg.Tracker.Emit(progress.Event{
		JobID: progress.JobIDBytes(job.ID), TS: now, Stage: stage,
		Dur: max(0, now.Sub(started)), Note: job.Error,
	})
	span.SetAttributes(
		attribute.String("status", string(job.Status)),
		attribute.Int("new", job.Stats.New),
		attribute.Int("updated", job.Stats.Updated),
		attribute.Int("removed", job.Stats.Removed),
	)

	if d.cfg.Publisher != nil {
		if _, err := d.cfg.Publisher.Publish(ctx, TopicJobFinished, finishedEvent(job)); err != nil {
			logger.Warn("publishing job finished event failed", zap.Error(err))
		}
	}

	logger.Info("job finished",
		zap.String("status", string(job.Status)),
		zap.Int("new", job.Stats.New),
		zap.Int("updated", job.Stats.Updated),
		zap.Int("removed", job.Stats.Removed),
		zap.Int("pages", job.Stats.Pages),
		zap.Int("smart_stops", job.Stats.SmartStops),
		zap.Int("errors", len(job.Stats.Errors)),
		zap.String("error", job.Error),
	)

	d.mu.Lock()
	if d.active != nil && d.active.id == job.ID {
		close(d.active.done)
		d.active = nil
	}
	d.mu.Unlock()
}

// finishUnstarted marks a job that never reached the queue as failed.
func (d *Dispatcher) finishUnstarted(ctx context.Context, job crawler.CrawlJob, msg string) {
	now := d.cfg.Clock.Now()
	job.Status = crawler.JobStatusFailed
	job.CompletedAt = &now
	job.Error = msg
	if err := d.cfg.Jobs.UpdateJob(ctx, job); err != nil {
		d.logger.Error("persisting failed job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveJob(string(job.Status))
}

type jobFinishedEvent struct {
	JobID       string            `json:"job_id"`
	Status      crawler.JobStatus `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at"`
	New         int               `json:"new"`
	Updated     int               `json:"updated"`
	Removed     int               `json:"removed"`
	Pages       int               `json:"pages"`
	Skipped     []string          `json:"skipped,omitempty"`
	Errors      int               `json:"errors"`
	Error       string            `json:"error,omitempty"`
}

func finishedEvent(job crawler.CrawlJob) jobFinishedEvent {
	return jobFinishedEvent{
		JobID:       job.ID,
		Status:      job.Status,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		New:         job.Stats.New,
		Updated:     job.Stats.Updated,
		Removed:     job.Stats.Removed,
		Pages:       job.Stats.Pages,
		Skipped:     job.Stats.Skipped,
		Errors:      len(job.Stats.Errors),
		Error:       job.Error,
	}
}

func countTasks(spec coordinator.Spec) int {
	n := 0
	for _, list := range spec.Assignments {
		n += len(list)
	}
	return n
}
