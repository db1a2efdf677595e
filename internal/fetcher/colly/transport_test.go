package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryTransportRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{errors.New("tls: handshake timeout"), timeoutErr{}}}
	rt := &retryTransport{base: base, backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	_ = resp.Body.Close()
	if base.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", base.calls)
	}
}

func TestRetryTransportGivesUp(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{timeoutErr{}, timeoutErr{}, timeoutErr{}}}
	rt := &retryTransport{base: base, backoff: []time.Duration{time.Millisecond, time.Millisecond}}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if base.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", base.calls)
	}
}

func TestRetryTransportDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{errors.New("connection refused")}}
	rt := &retryTransport{base: base, backoff: retryBackoff}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := rt.RoundTrip(req); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", base.calls)
	}
}

func TestIsTransientTLSError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{timeoutErr{}, true},
		{errors.New("tls: handshake timeout"), true},
		{errors.New("no such host"), false},
	}
	for _, tc := range cases {
		if got := isTransientTLSError(tc.err); got != tc.want {
			t.Fatalf("isTransientTLSError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
