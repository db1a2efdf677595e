package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeLabel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"partition", "konut_satilik", "konut_satilik"},
		{"mixed case", " Arsa_Satilik ", "arsa_satilik"},
		{"stop reason", "smart_stop", "smart_stop"},
		{"url", "https://example.com/x", "unknown"},
		{"spaces", "konut satilik", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeLabel(tc.input); got != tc.expected {
				t.Errorf("SanitizeLabel(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerStopsTotal == nil || crawlerRateLimitWaitSeconds == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObservePage("bina_kiralik", "success")
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("bina_kiralik", "success")); val != 1 {
		t.Errorf("Expected crawlerPagesTotal to be 1, got %f", val)
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveStop("isyeri_kiralik", "smart_stop")
	if val := testutil.ToFloat64(crawlerStopsTotal.WithLabelValues("isyeri_kiralik", "smart_stop")); val != 1 {
		t.Errorf("Expected one smart_stop, got %f", val)
	}

	ObserveListings("isyeri_kiralik", "new", 3)
	ObserveListings("isyeri_kiralik", "new", 0)
	if val := testutil.ToFloat64(crawlerListingsTotal.WithLabelValues("isyeri_kiralik", "new")); val != 3 {
		t.Errorf("Expected 3 new listings, got %f", val)
	}

	SetBackoffLevel(2.5)
	if val := testutil.ToFloat64(crawlerBackoffLevel); val != 2.5 {
		t.Errorf("Expected backoff level 2.5, got %f", val)
	}

	ObserveProgressDropped("JOB_ERROR")
	if val := testutil.ToFloat64(progressDroppedTotal.WithLabelValues("job_error")); val != 1 {
		t.Errorf("Expected one dropped job_error event, got %f", val)
	}

	ObserveRateLimitWait(7, 1500*time.Millisecond)
	if val := testutil.CollectAndCount(crawlerRateLimitWaitSeconds); val <= 0 {
		t.Errorf("Expected rate limit wait to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeLabel.
func FuzzSanitizeLabel(f *testing.F) {
	testcases := []string{"konut_satilik", "https://google.com", "ÇAĞ"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeLabel(orig) == "" {
			t.Errorf("SanitizeLabel(%q) returned an empty string", orig)
		}
	})
}
