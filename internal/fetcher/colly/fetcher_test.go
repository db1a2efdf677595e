package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

const resultsPage = `<html><body><div class="resultsTextWrapper" data-totalmatches="1"></div>` +
	`<table id="searchResultsTable"><tr class="searchResultsItem" data-id="1"></tr></table></body></html>`

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()

	seen := make(chan [2]string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.Header.Get("Accept-Language"), r.UserAgent()}
		_, _ = fmt.Fprint(w, resultsPage)
	}))
	t.Cleanup(srv.Close)

	f, err := New(Config{
		UserAgent: "listing-sync-test",
		Headers:   http.Header{"Accept-Language": {"tr-TR"}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	page, err := f.Fetch(context.Background(), srv.URL+"/satilik/sakarya-hendek")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if page.StatusCode != http.StatusOK || string(page.Body) != resultsPage {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got := <-seen; got != [2]string{"tr-TR", "listing-sync-test"} {
		t.Fatalf("expected configured headers, got %q", got)
	}

	// The same URL can be fetched again.
	if _, err := f.Fetch(context.Background(), srv.URL+"/satilik/sakarya-hendek"); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
}

func TestFetchClassifiesBlocks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/challenge" {
			_, _ = fmt.Fprint(w, "<title>Just a moment...</title>")
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	f, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, path := range []string{"/limited", "/challenge"} {
		_, err := f.Fetch(context.Background(), srv.URL+path)
		if crawler.FetchErrorKindOf(err) != crawler.FetchBlocked {
			t.Fatalf("%s: expected blocked fetch error, got %v", path, err)
		}
	}
}

func TestFetchReportsConnectionFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, err := New(Config{Timeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = f.Fetch(context.Background(), addr)
	var fe *crawler.FetchError
	if !errors.As(err, &fe) || fe.Kind == crawler.FetchBlocked {
		t.Fatalf("expected non-block fetch error, got %v", err)
	}
}

func TestFetchHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := f.Fetch(ctx, "http://127.0.0.1:1/"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestProxiesRotate(t *testing.T) {
	t.Parallel()

	var hits [2]atomic.Int32
	proxies := make([]string, 2)
	for i := range proxies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits[i].Add(1)
			_, _ = fmt.Fprint(w, resultsPage)
		}))
		t.Cleanup(srv.Close)
		proxies[i] = srv.URL
	}

	f, err := New(Config{Proxies: proxies})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for range 4 {
		if _, err := f.Fetch(context.Background(), "http://listings.invalid/satilik"); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
	if hits[0].Load() != 2 || hits[1].Load() != 2 {
		t.Fatalf("expected even rotation, got %d/%d", hits[0].Load(), hits[1].Load())
	}
}

func TestNewRejectsBadProxy(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Proxies: []string{"://bad"}}); err == nil {
		t.Fatal("expected proxy parse error")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var page crawler.Page
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &page, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if page.StatusCode != http.StatusCreated || string(page.Body) != "body" || page.URL != "https://example.com" {
		t.Fatalf("unexpected page: %+v", page)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" || page.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()

	fetcher, err := NewFactory(Config{}).NewFetcher(context.Background(), 3)
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	if err := fetcher.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
