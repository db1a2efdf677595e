package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by stores and orchestration.
var (
	// ErrJobNotFound signals that the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when a job is submitted while another one is active.
	ErrJobRunning = errors.New("a crawl job is already running")
	// ErrReconciliationPrecondition is returned when removal reconciliation is
	// requested for a walk that did not enumerate the whole partition.
	ErrReconciliationPrecondition = errors.New("reconciliation precondition failed: walk was not a complete enumeration")
)

// FetchErrorKind classifies page fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchBlocked FetchErrorKind = "blocked"
	FetchTimeout FetchErrorKind = "timeout"
	FetchOther   FetchErrorKind = "other"
)

// FetchError is returned by PageFetcher implementations.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

// NewFetchError builds a FetchError.
func NewFetchError(kind FetchErrorKind, url string, statusCode int, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: statusCode, Err: err}
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s [%s]", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s status=%d", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchErrorKindOf reports the kind of a fetch failure. Errors that are not a
// *FetchError are classified as FetchOther.
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FetchOther
}

// PersistenceError wraps a failed Store write.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
