package progress

import "context"

// Sink receives flushed batches in emission order. The hub calls a sink from
// a single goroutine, one batch at a time, with a context bounded by
// Config.SinkTimeout. Close is called once after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what the coordinator, walkers and job tracker report through.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
