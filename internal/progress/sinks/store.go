package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/progress"
	"github.com/JakeFAU/listing-sync-crawler/internal/store"
)

// StoreSink persists partition progress via a store.ProgressRepository. Page
// deltas are collapsed per (job, partition) to reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies partition starts, then collapsed page deltas, then partition
// completions. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[runKey]*pageDelta)
	var order []runKey
	var finished []progress.Event

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StagePartitionStart:
			if err := s.repo.StartPartition(ctx, evt.JobUUID(), evt.Partition, evt.Worker, evt.TS); err != nil {
				return fmt.Errorf("start partition: %w", err)
			}
		case progress.StagePageDone:
			key := runKey{jobID: evt.JobUUID(), partition: evt.Partition}
			d := deltas[key]
			if d == nil {
				d = &pageDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			d.pages++
			d.records += int64(evt.Records)
			d.fresh += int64(evt.Fresh)
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		case progress.StagePartitionDone:
			finished = append(finished, evt)
		}
	}

	for _, key := range order {
		d := deltas[key]
		if err := s.repo.AddPageDeltas(ctx, key.jobID, key.partition, d.pages, d.records, d.fresh, d.at); err != nil {
			return fmt.Errorf("add page deltas: %w", err)
		}
	}
	for _, evt := range finished {
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.FinishPartition(ctx, evt.JobUUID(), evt.Partition, evt.StopReason, note, evt.TS); err != nil {
			return fmt.Errorf("finish partition: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type runKey struct {
	jobID     uuid.UUID
	partition string
}

type pageDelta struct {
	pages   int64
	records int64
	fresh   int64
	at      time.Time
}
