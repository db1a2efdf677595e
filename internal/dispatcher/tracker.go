package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/progress"
)

const progressWriteTimeout = 5 * time.Second

// Tracker is the progress.Emitter handed to partition walkers. It folds
// PAGE_DONE and PARTITION_DONE events into the running job's Progress and
// Stats, persists the job through the JobStore and forwards every event to
// the next emitter.
type Tracker struct {
	jobs   crawler.JobStore
	next   progress.Emitter
	logger *zap.Logger

	mu      sync.Mutex
	current *crawler.CrawlJob
	key     [16]byte
}

// NewTracker builds a Tracker. next may be nil.
func NewTracker(jobs crawler.JobStore, next progress.Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if next == nil {
		next = progress.NopEmitter{}
	}
	return &Tracker{jobs: jobs, next: next, logger: logger.Named("progress")}
}

// Emit implements progress.Emitter.
func (t *Tracker) Emit(evt progress.Event) {
	switch evt.Stage {
	case progress.StagePageDone, progress.StagePartitionDone:
		t.advance(evt)
	}
	t.next.Emit(evt)
}

// begin starts tracking job. Progress.Total must already be set.
func (t *Tracker) begin(job crawler.CrawlJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &job
	t.key = progress.JobIDBytes(job.ID)
}

// end stops tracking and returns the last progress seen for the job.
func (t *Tracker) end(jobID string) crawler.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.ID != jobID {
		return crawler.Progress{}
	}
	p := t.current.Progress
	t.current = nil
	return p
}

// advance writes under the lock so an older snapshot never lands after a
// newer one.
func (t *Tracker) advance(evt progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || evt.JobID != t.key {
		return
	}
	if evt.Stage == progress.StagePageDone {
		p := &t.current.Progress
		p.Current++
		p.Percentage = percentage(p.Current, p.Total)
		p.Message = fmt.Sprintf("%s page %d", evt.Partition, evt.Page)

		st := &t.current.Stats
		st.Pages++
		st.Listings += evt.Records
		st.New += evt.New
		st.Updated += evt.Updated
	} else {
		foldPartition(&t.current.Stats, evt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), progressWriteTimeout)
	defer cancel()
	if err := t.jobs.UpdateJob(ctx, *t.current); err != nil {
		t.logger.Warn("persisting job progress failed", zap.String("job_id", t.current.ID), zap.Error(err))
	}
}

// foldPartition records a finished walk. Page counters were already added by
// its PAGE_DONE events.
func foldPartition(st *crawler.JobStats, evt progress.Event) {
	reason := crawler.StopReason(evt.StopReason)
	st.Partitions = append(st.Partitions, crawler.PartitionSummary{
		Partition:  evt.Partition,
		Worker:     evt.Worker,
		Pages:      evt.Page,
		Listings:   evt.Records,
		Fresh:      evt.Fresh,
		New:        evt.New,
		Updated:    evt.Updated,
		StopReason: reason,
	})
	if reason == crawler.StopSmartStop {
		st.SmartStops++
	}
	if evt.Failure != nil {
		st.Errors = append(st.Errors, *evt.Failure)
	}
}

func percentage(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(current) / float64(total) * 100
	return math.Round(math.Min(100, pct)*10) / 10
}
