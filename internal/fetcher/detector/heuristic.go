// Package detector decides whether a fetched listing page is a block or
// challenge page rather than real content.
package detector

import (
	"bytes"
	"fmt"
	"net/http"
)

// Heuristic implements rule-based block detection.
type Heuristic struct {
	// BodyLengthThreshold is the size above which a page without any content
	// marker is treated as a block page.
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var blockedStatuses = map[int]struct{}{
	http.StatusForbidden:          {},
	http.StatusTooManyRequests:    {},
	http.StatusServiceUnavailable: {},
}

// contentMarkers appear on every genuine search or detail page, including
// searches with no results.
var contentMarkers = [][]byte{
	[]byte("searchresultstable"),
	[]byte("resultstextwrapper"),
	[]byte("classifieddetailtitle"),
}

var challengeMarkers = [][]byte{
	[]byte("checking your browser"),
	[]byte("just a moment"),
	[]byte("access denied"),
	[]byte("captcha"),
	[]byte("olağan dışı"),
}

// continueMarkers identify the interstitial with a "devam et" button.
var continueMarkers = [][]byte{
	[]byte("devam et"),
	[]byte("btn-continue"),
}

// Blocked reports whether the response looks like a block, with a short
// reason.
func (h *Heuristic) Blocked(status int, body []byte) (bool, string) {
	if _, ok := blockedStatuses[status]; ok {
		return true, fmt.Sprintf("http %d", status)
	}
	lower := bytes.ToLower(body)
	if containsAny(lower, contentMarkers) {
		return false, ""
	}
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true, fmt.Sprintf("challenge marker %q", marker)
		}
	}
	if len(body) >= h.BodyLengthThreshold {
		return true, "results table missing"
	}
	return false, ""
}

// NeedsContinue reports whether the page is the "devam et" interstitial.
func (h *Heuristic) NeedsContinue(body []byte) bool {
	lower := bytes.ToLower(body)
	return !containsAny(lower, contentMarkers) && containsAny(lower, continueMarkers)
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}
