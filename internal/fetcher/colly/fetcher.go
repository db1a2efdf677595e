// Package collyfetcher implements crawler.PageFetcher over plain HTTP using
// gocolly, with optional round-robin proxy rotation.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/fetcher/detector"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Headers   http.Header
	Timeout   time.Duration
	// Proxies are rotated round-robin, one per request.
	Proxies  []string
	Detector *detector.Heuristic
}

// Fetcher implements crawler.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	detector      *detector.Heuristic
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	det := cfg.Detector
	if det == nil {
		det = detector.NewHeuristic(0)
	}

	baseTransport := newHTTPTransport()
	if len(cfg.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("configure proxies: %w", err)
		}
		baseTransport.Proxy = switcher
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(&retryTransport{base: baseTransport, backoff: retryBackoff})

	return &Fetcher{
		cfg:           cfg,
		detector:      det,
		baseCollector: c,
	}, nil
}

// NewFactory returns a FetcherFactory handing each worker its own collector.
func NewFactory(cfg Config) crawler.FetcherFactory {
	return crawler.FetcherFactoryFunc(func(context.Context, int) (crawler.PageFetcher, error) {
		return New(cfg)
	})
}

// Close implements crawler.PageFetcher.
func (f *Fetcher) Close() error { return nil }

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	var (
		page     crawler.Page
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, time.Now(), &page, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		if ctx.Err() != nil {
			return crawler.Page{}, err
		}
		return crawler.Page{}, &crawler.FetchError{Kind: classify(err), URL: url, StatusCode: page.StatusCode, Err: err}
	}
	if blocked, reason := f.detector.Blocked(page.StatusCode, page.Body); blocked {
		return crawler.Page{}, &crawler.FetchError{
			Kind:       crawler.FetchBlocked,
			URL:        url,
			StatusCode: page.StatusCode,
			Err:        errors.New(reason),
		}
	}
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func classify(err error) crawler.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawler.FetchTimeout
	}
	return crawler.FetchOther
}
