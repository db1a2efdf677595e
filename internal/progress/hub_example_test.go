package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit shows a partition summary reaching a sink once the walk ends.
func ExampleHub_Emit() {
	job := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	listings := 0
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			switch evt.Stage {
			case StagePageDone:
				listings += evt.Records
			case StagePartitionDone:
				fmt.Printf("%s stopped (%s) after %d listings\n", evt.Partition, evt.StopReason, listings)
			}
		}
		return nil
	}))

	for page := 1; page <= 2; page++ {
		hub.Emit(Event{
			JobID:       job,
			TS:          time.Unix(0, 0),
			Stage:       StagePageDone,
			Partition:   "arsa_satilik",
			Page:        page,
			StatusClass: Status2xx,
			Records:     50,
		})
	}
	hub.Emit(Event{
		JobID:      job,
		TS:         time.Unix(0, 0),
		Stage:      StagePartitionDone,
		Partition:  "arsa_satilik",
		StopReason: "empty_page",
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// arsa_satilik stopped (empty_page) after 100 listings
}
