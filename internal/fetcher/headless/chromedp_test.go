package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{NavigationTimeout: -1}); err == nil {
		t.Fatal("expected error for negative navigation timeout")
	}
	fetcher, err := NewChromedp(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	if fetcher.cfg.NavigationTimeout != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", fetcher.cfg.NavigationTimeout)
	}
	if fetcher.cfg.SettleDelay != 1500*time.Millisecond {
		t.Fatalf("expected default settle delay, got %v", fetcher.cfg.SettleDelay)
	}
	if fetcher.detector == nil {
		t.Fatal("expected default detector")
	}
}

func TestFactoryBuildsIndependentFetchers(t *testing.T) {
	t.Parallel()

	factory := NewFactory(Config{})
	a, err := factory.NewFetcher(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := factory.NewFetcher(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	if a == b {
		t.Fatal("expected a fetcher per worker")
	}
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{
		"X-Test":          {"a", "b"},
		"Accept-Language": {"tr-TR"},
		"X-Empty":         {},
	})
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
	if netHeaders["Accept-Language"] != "tr-TR" {
		t.Fatalf("expected single value header, got %v", netHeaders["Accept-Language"])
	}
	if _, ok := netHeaders["X-Empty"]; ok {
		t.Fatal("expected empty header to be dropped")
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 404,
			URL:    "https://example.com/img.png",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 429,
			URL:    "https://example.com/rendered",
		},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 429 || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d url=%s", status, url)
	}

	meta = &responseMeta{}
	status, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}
