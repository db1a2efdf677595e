// Package headless contains the PageFetcher that drives headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/fetcher/detector"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 1500 * time.Millisecond
	continueTimeout          = 5 * time.Second
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	Headers           http.Header
	NavigationTimeout time.Duration
	// SettleDelay is how long to let the page run scripts after it is ready.
	SettleDelay time.Duration
	ExecPath    string
	Visible     bool
	Detector    *detector.Heuristic
}

// Fetcher implements crawler.PageFetcher with one Chrome tab. It is owned by
// a single worker and is not safe for concurrent Fetch calls.
type Fetcher struct {
	cfg           Config
	detector      *detector.Heuristic
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error
}

// NewChromedp creates a headless fetcher. Chrome is launched on first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.NavigationTimeout < 0 || cfg.SettleDelay < 0 {
		return nil, errors.New("headless timeouts must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	det := cfg.Detector
	if det == nil {
		det = detector.NewHeuristic(0)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Visible {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Fetcher{
		cfg:           cfg,
		detector:      det,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewFactory returns a FetcherFactory that gives every worker its own browser.
func NewFactory(cfg Config) crawler.FetcherFactory {
	return crawler.FetcherFactoryFunc(func(context.Context, int) (crawler.PageFetcher, error) {
		return NewChromedp(cfg)
	})
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	err := chromedp.Cancel(f.browser)
	f.browserCancel()
	f.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Fetch navigates to url and returns the rendered DOM. Block and challenge
// pages are reported as *crawler.FetchError of kind blocked.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	if err := f.start(); err != nil {
		return crawler.Page{}, &crawler.FetchError{Kind: crawler.FetchOther, URL: url, Err: err}
	}

	taskCtx, cancel := context.WithTimeout(f.browser, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, url)
	if err == nil && f.detector.NeedsContinue([]byte(html)) {
		html, finalURL, err = f.clickContinue(taskCtx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		kind := crawler.FetchOther
		if errors.Is(err, context.DeadlineExceeded) {
			kind = crawler.FetchTimeout
		}
		return crawler.Page{}, &crawler.FetchError{Kind: kind, URL: url, Err: err}
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	body := []byte(html)
	if blocked, reason := f.detector.Blocked(status, body); blocked {
		return crawler.Page{}, &crawler.FetchError{
			Kind:       crawler.FetchBlocked,
			URL:        url,
			StatusCode: status,
			Err:        errors.New(reason),
		}
	}
	return crawler.Page{
		URL:        responseURL,
		StatusCode: status,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) start() error {
	f.startOnce.Do(func() {
		if err := chromedp.Run(f.browser); err != nil {
			f.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return f.startErr
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// clickContinue dismisses the "devam et" interstitial and re-reads the page.
func (f *Fetcher) clickContinue(ctx context.Context) (string, string, error) {
	clickCtx, cancel := context.WithTimeout(ctx, continueTimeout)
	defer cancel()
	if err := chromedp.Run(clickCtx, chromedp.Click("#btn-continue", chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return "", "", fmt.Errorf("click continue: %w", err)
	}
	var (
		html     string
		finalURL string
	)
	err := chromedp.Run(ctx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("reload after continue: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta remembers the status of the last document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
