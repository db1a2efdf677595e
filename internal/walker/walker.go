// Package walker walks one catalog partition page by page, persisting each
// page as it goes and stopping early once pages stop carrying fresh listings.
package walker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/catalog"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/listing"
	"github.com/JakeFAU/listing-sync-crawler/internal/metrics"
	"github.com/JakeFAU/listing-sync-crawler/internal/progress"
)

const tracerName = "github.com/JakeFAU/listing-sync-crawler/internal/walker"

// Defaults for the stop heuristics.
const (
	DefaultStaleThreshold    = 3
	DefaultThinPageThreshold = 10
	DefaultBudgetSentinel    = 900
	DefaultBudget            = 100
	DefaultSaveTimeout       = 30 * time.Second
	DefaultSaveAttempts      = 3
	DefaultSaveRetryDelay    = 500 * time.Millisecond
)

// Limiter paces requests and absorbs fetch outcomes.
type Limiter interface {
	Wait(ctx context.Context, workerID int) (time.Duration, error)
	ReportSuccess()
	ReportBlocked()
	ReportSlowResponse(d time.Duration)
}

// PageSink persists one page of listings.
type PageSink interface {
	Save(ctx context.Context, key crawler.PartitionKey, listings []crawler.Listing) (crawler.SaveResult, error)
}

// StatsStore is the part of the listing store that tracks partition counts.
type StatsStore interface {
	CountPartition(ctx context.Context, key crawler.PartitionKey) (int, error)
	PartitionStats(ctx context.Context, key crawler.PartitionKey) (crawler.Partition, error)
	UpsertPartitionStats(ctx context.Context, partition crawler.Partition) error
}

// Config wires a Walker.
type Config struct {
	URLs      catalog.URLBuilder
	Extractor crawler.PageExtractor
	Limiter   Limiter
	Sink      PageSink
	Stats     StatsStore
	Clock     crawler.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger

	StaleThreshold    int
	ThinPageThreshold int
	BudgetSentinel    int

	// SaveTimeout bounds persisting one page, retries included. Saves run
	// detached from the walk's cancellation.
	SaveTimeout time.Duration
	// SaveAttempts is how often a page is tried when the store reports a
	// crawler.PersistenceError. SaveRetryDelay grows linearly per attempt.
	SaveAttempts   int
	SaveRetryDelay time.Duration
}

// Request describes one partition walk.
type Request struct {
	Partition crawler.PartitionKey
	Budget    int
	Force     bool
	Reconcile bool
	Ascending bool
	JobID     string
	WorkerID  int
}

// Result summarizes a finished walk.
type Result struct {
	Partition    crawler.PartitionKey
	MaxPages     int
	PagesWalked  int
	Records      int
	Fresh        int
	New          int
	Updated      int
	Observed     int
	SeenIDs      map[int64]struct{}
	StopReason   crawler.StopReason
	PagesSaved   int
	TotalHint    int
	HasTotalHint bool
	Err          *crawler.PartitionError
	// Complete is set only when the walk ended on an empty or thin page
	// without error, which is the precondition for removal reconciliation.
	Complete bool
}

// Walker runs partition walks. One Walker may serve many workers; the
// per-walk state lives on the stack of Walk.
type Walker struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New builds a Walker.
func New(cfg Config) (*Walker, error) {
	if cfg.Extractor == nil {
		return nil, errors.New("walker requires an extractor")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("walker requires a limiter")
	}
	if cfg.Sink == nil {
		return nil, errors.New("walker requires a page sink")
	}
	if cfg.Stats == nil {
		return nil, errors.New("walker requires a stats store")
	}
	if cfg.Clock == nil {
		return nil, errors.New("walker requires a clock")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.NopEmitter{}
	}
	if cfg.URLs.BaseURL == "" {
		cfg.URLs = catalog.NewURLBuilder("", "")
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.ThinPageThreshold <= 0 {
		cfg.ThinPageThreshold = DefaultThinPageThreshold
	}
	if cfg.BudgetSentinel <= 0 {
		cfg.BudgetSentinel = DefaultBudgetSentinel
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.SaveAttempts <= 0 {
		cfg.SaveAttempts = DefaultSaveAttempts
	}
	if cfg.SaveRetryDelay <= 0 {
		cfg.SaveRetryDelay = DefaultSaveRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{
		cfg:    cfg,
		logger: logger.Named("walker"),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Walk fetches pages of req.Partition with fetcher until a stop condition
// fires. Per-page failures end the walk and are reported on the Result, not
// as an error; Walk itself never fails.
func (w *Walker) Walk(ctx context.Context, fetcher crawler.PageFetcher, req Request) Result {
	ctx, span := w.tracer.Start(ctx, "walker.walk", trace.WithAttributes(
		attribute.String("partition", req.Partition.String()),
		attribute.Int("worker", req.WorkerID),
		attribute.Int("budget", req.Budget),
		attribute.Bool("force", req.Force),
	))
	defer span.End()

	started := w.cfg.Clock.Now()
	partition := req.Partition.String()
	logger := w.logger.With(
		zap.String("partition", partition),
		zap.Int("worker", req.WorkerID),
		zap.String("job_id", req.JobID),
	)
	jobID := progress.JobIDBytes(req.JobID)
	w.emit(progress.Event{
		JobID: jobID, TS: started, Stage: progress.StagePartitionStart,
		Partition: partition, Worker: req.WorkerID,
	})

	budget := req.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	derive := budget >= w.cfg.BudgetSentinel
	smartStop := !req.Force && !req.Reconcile && !req.Ascending

	res := Result{
		Partition: req.Partition,
		MaxPages:  budget,
		SeenIDs:   make(map[int64]struct{}),
	}
	stale := 0

	for page := 0; page < res.MaxPages; page++ {
		if ctx.Err() != nil {
			res.StopReason = crawler.StopCancelled
			break
		}

		pageURL := w.cfg.URLs.PageURL(req.Partition, page, req.Ascending)
		if _, err := w.cfg.Limiter.Wait(ctx, req.WorkerID); err != nil {
			res.StopReason = crawler.StopCancelled
			break
		}

		pg, err := fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				res.StopReason = crawler.StopCancelled
				break
			}
			w.reportFetchFailure(logger, partition, err, page)
			res.fail(partition, page, crawler.ErrorKindFetch, err, w.cfg.Clock.Now())
			break
		}
		w.cfg.Limiter.ReportSuccess()
		w.cfg.Limiter.ReportSlowResponse(pg.Duration)
		metrics.ObservePage(partition, "success")

		ext, err := w.cfg.Extractor.Extract(pg)
		if err != nil {
			logger.Warn("page extraction failed", zap.Int("page", page+1), zap.Error(err))
			res.fail(partition, page, crawler.ErrorKindExtract, fmt.Errorf("extract: %w", err), w.cfg.Clock.Now())
			break
		}
		res.PagesWalked++

		if page == 0 && ext.HasTotalHint {
			res.TotalHint, res.HasTotalHint = ext.TotalHint, true
			if derive {
				res.MaxPages = max(1, (ext.TotalHint+catalog.PageSize-1)/catalog.PageSize)
				if req.Reconcile {
					// One page past the hint, so listings that arrived during
					// the walk are still seen and the walk can end on an
					// empty or thin page.
					res.MaxPages++
				}
			}
		}

		if len(ext.Records) == 0 {
			res.StopReason = crawler.StopEmptyPage
			break
		}

		now := w.cfg.Clock.Now()
		listings := make([]crawler.Listing, 0, len(ext.Records))
		fresh := 0
		for _, raw := range ext.Records {
			l, err := listing.Normalize(raw, req.Partition, now)
			if err != nil {
				logger.Debug("skipping unparseable record", zap.Error(err))
				continue
			}
			// Listings shifted in from the previous page still count for this
			// page's freshness; the totals count each id once.
			if l.Fresh {
				fresh++
			}
			if _, dup := res.SeenIDs[l.ID]; !dup && l.Fresh {
				res.Fresh++
			}
			res.SeenIDs[l.ID] = struct{}{}
			listings = append(listings, l)
		}
		res.Records += len(listings)

		saved, err := w.save(ctx, logger, req.Partition, listings, page)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				res.StopReason = crawler.StopCancelled
				break
			}
			logger.Error("saving page failed", zap.Int("page", page+1), zap.Error(err))
			res.fail(partition, page, crawler.ErrorKindPersistence, err, w.cfg.Clock.Now())
			break
		}
		res.New += saved.New
		res.Updated += saved.Updated
		res.Observed += saved.Observed

		w.emit(progress.Event{
			JobID: jobID, TS: now, Stage: progress.StagePageDone,
			Partition: partition, Worker: req.WorkerID, Page: page + 1,
			Records: len(listings), Fresh: fresh, New: saved.New, Updated: saved.Updated,
			StatusClass: progress.ClassifyStatus(pg.StatusCode), Dur: pg.Duration,
		})

		if page > 0 && len(ext.Records) < w.cfg.ThinPageThreshold {
			res.StopReason = crawler.StopThinPage
			break
		}

		if smartStop {
			if fresh == 0 {
				stale++
			} else {
				stale = 0
			}
			if stale >= w.cfg.StaleThreshold {
				res.StopReason = crawler.StopSmartStop
				res.PagesSaved = max(0, res.MaxPages-res.PagesWalked)
				break
			}
		}
	}
	if res.StopReason == "" {
		res.StopReason = crawler.StopBudgetExhausted
	}

	res.Complete = res.Err == nil &&
		(res.StopReason == crawler.StopEmptyPage || res.StopReason == crawler.StopThinPage)

	if res.PagesWalked > 0 {
		w.updatePartitionStats(context.WithoutCancel(ctx), logger, req.Partition, res)
	}

	metrics.ObserveStop(partition, string(res.StopReason))
	metrics.ObserveListings(partition, "new", res.New)
	metrics.ObserveListings(partition, "updated", res.Updated)

	elapsed := w.cfg.Clock.Now().Sub(started)
	done := progress.Event{
		JobID: jobID, TS: w.cfg.Clock.Now(), Stage: progress.StagePartitionDone,
		Partition: partition, Worker: req.WorkerID, Page: res.PagesWalked,
		Records: res.Records, Fresh: res.Fresh, New: res.New, Updated: res.Updated,
		StopReason: string(res.StopReason), Dur: max(0, elapsed), Failure: res.Err,
	}
	span.SetAttributes(
		attribute.String("stop_reason", string(res.StopReason)),
		attribute.Int("pages", res.PagesWalked),
		attribute.Int("records", res.Records),
	)
	if res.Err != nil {
		done.Note = res.Err.Message
		span.SetStatus(codes.Error, res.Err.Message)
	}
	w.emit(done)

	logger.Info("partition walk finished",
		zap.String("stop_reason", string(res.StopReason)),
		zap.Int("pages", res.PagesWalked),
		zap.Int("max_pages", res.MaxPages),
		zap.Int("records", res.Records),
		zap.Int("fresh", res.Fresh),
		zap.Int("new", res.New),
		zap.Int("updated", res.Updated),
		zap.Int("pages_saved", res.PagesSaved),
	)
	return res
}

// save persists one page on a context detached from the walk, so a page
// fetched just before cancellation is still stored. Persistence errors are
// retried up to SaveAttempts times.
func (w *Walker) save(
	ctx context.Context,
	logger *zap.Logger,
	key crawler.PartitionKey,
	listings []crawler.Listing,
	page int,
) (crawler.SaveResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SaveTimeout)
	defer cancel()
	for attempt := 1; ; attempt++ {
		saved, err := w.cfg.Sink.Save(ctx, key, listings)
		if err == nil {
			return saved, nil
		}
		if !crawler.IsPersistenceError(err) || attempt >= w.cfg.SaveAttempts {
			return crawler.SaveResult{}, fmt.Errorf("save page %d (attempt %d): %w", page+1, attempt, err)
		}
		logger.Warn("saving page failed, retrying",
			zap.Int("page", page+1), zap.Int("attempt", attempt), zap.Error(err))
		timer := time.NewTimer(time.Duration(attempt) * w.cfg.SaveRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.SaveResult{}, fmt.Errorf("save page %d: %w (retry aborted: %w)", page+1, err, ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Walker) reportFetchFailure(logger *zap.Logger, partition string, err error, page int) {
	kind := crawler.FetchErrorKindOf(err)
	metrics.ObserveFetchFailure(string(kind))
	switch kind {
	case crawler.FetchBlocked:
		w.cfg.Limiter.ReportBlocked()
		metrics.ObservePage(partition, "blocked")
		logger.Warn("page fetch blocked", zap.Int("page", page+1), zap.Error(err))
	case crawler.FetchTimeout:
		w.cfg.Limiter.ReportBlocked()
		metrics.ObservePage(partition, "timeout")
		logger.Warn("page fetch timed out", zap.Int("page", page+1), zap.Error(err))
	default:
		metrics.ObservePage(partition, "error")
		logger.Error("page fetch failed", zap.Int("page", page+1), zap.Error(err))
	}
}

func (w *Walker) updatePartitionStats(ctx context.Context, logger *zap.Logger, key crawler.PartitionKey, res Result) {
	p, err := w.cfg.Stats.PartitionStats(ctx, key)
	if err != nil {
		logger.Warn("loading partition stats failed", zap.Error(err))
		p = crawler.Partition{Key: key}
	}
	p.Key = key
	local, err := w.cfg.Stats.CountPartition(ctx, key)
	if err != nil {
		logger.Warn("counting partition failed", zap.Error(err))
		return
	}
	remote := p.RemoteCount
	if res.HasTotalHint {
		remote = res.TotalHint
	}
	p.Observe(remote, local, w.cfg.Clock.Now())
	if err := w.cfg.Stats.UpsertPartitionStats(ctx, p); err != nil {
		logger.Warn("updating partition stats failed", zap.Error(err))
	}
}

func (w *Walker) emit(evt progress.Event) {
	w.cfg.Emitter.Emit(evt)
}

func (r *Result) fail(partition string, page int, kind crawler.PartitionErrorKind, err error, at time.Time) {
	r.StopReason = crawler.StopError
	r.Err = &crawler.PartitionError{
		Partition: partition,
		Page:      page + 1,
		Kind:      kind,
		Message:   err.Error(),
		At:        at,
	}
}
