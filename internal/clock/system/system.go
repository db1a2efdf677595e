// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are in the process's local zone
// because listing freshness is judged against the local calendar day.
type Clock struct {
	loc *time.Location
}

// New creates a Clock in time.Local.
func New() *Clock {
	return &Clock{loc: time.Local}
}

// NewIn creates a Clock reporting times in loc.
func NewIn(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now()
	}
	return time.Now().In(c.loc)
}
