// Package progress defines the event structures emitted while partitions are walked.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart       Stage = "JOB_START"
	StageJobDone        Stage = "JOB_DONE"
	StageJobError       Stage = "JOB_ERROR"
	StagePartitionStart Stage = "PARTITION_START"
	StagePageDone       Stage = "PAGE_DONE"
	StagePartitionDone  Stage = "PARTITION_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// JobID uniquely identifies a job run using the 16-byte UUID form.
	JobID [16]byte
	// TS is the timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Partition scopes page and partition events ("konut_satilik").
	Partition string
	// Worker is the coordinator worker that produced the event.
	Worker int
	// Page is the 1-based page number for PAGE_DONE.
	Page int
	// Records is the number of listings extracted from the page.
	Records int
	// Fresh is how many of those listings were posted today or yesterday.
	Fresh int
	// New and Updated are the persisted classification of the page's listings.
	New     int
	Updated int
	// StatusClass groups the page's HTTP response code.
	StatusClass StatusClass
	// StopReason is set on PARTITION_DONE.
	StopReason string
	// Dur captures page fetch latency or partition/job wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
	// Failure is set on PARTITION_DONE when the walk ended with an error.
	Failure *crawler.PartitionError
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StagePartitionStart:
		if e.Partition == "" {
			return errors.New("partition start requires partition")
		}
	case StagePageDone:
		if e.Partition == "" {
			return errors.New("page done requires partition")
		}
		if e.Page <= 0 {
			return errors.New("page done requires a page number")
		}
	case StagePartitionDone:
		if e.Partition == "" {
			return errors.New("partition done requires partition")
		}
		if e.StopReason == "" {
			return errors.New("partition done requires stop reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for repositories.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// JobIDBytes parses a textual job id. Invalid ids map to the zero value,
// which Validate rejects.
func JobIDBytes(jobID string) [16]byte {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
