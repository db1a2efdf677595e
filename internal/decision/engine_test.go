package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/catalog"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type fakeStats struct {
	parts map[crawler.PartitionKey]crawler.Partition
	err   error
}

func (f fakeStats) PartitionStats(_ context.Context, key crawler.PartitionKey) (crawler.Partition, error) {
	if f.err != nil {
		return crawler.Partition{}, f.err
	}
	p, ok := f.parts[key]
	if !ok {
		return crawler.Partition{Key: key}, nil
	}
	return p, nil
}

func checked(h float64) *time.Time {
	t := now.Add(-time.Duration(h * float64(time.Hour)))
	return &t
}

func mustKey(t *testing.T, s string) crawler.PartitionKey {
	t.Helper()
	k, err := catalog.Parse(s)
	require.NoError(t, err)
	return k
}

func TestShouldCrawl(t *testing.T) {
	t.Parallel()

	konut := mustKey(t, "konut_satilik")
	tests := []struct {
		name       string
		part       crawler.Partition
		wantCrawl  bool
		wantBudget int
		wantReason string
	}{
		{"never checked", crawler.Partition{Key: konut}, true, 100, "first_crawl"},
		{
			"new listings",
			crawler.Partition{Key: konut, RemoteCount: 850, LocalCount: 800, LastCheckedAt: checked(1)},
			true, 1, "new_listings_detected(diff=50)",
		},
		{
			"large diff capped",
			crawler.Partition{Key: konut, RemoteCount: 1800, LocalCount: 800, LastCheckedAt: checked(1)},
			true, 10, "new_listings_detected(diff=1000)",
		},
		{
			"stale large partition",
			crawler.Partition{Key: konut, RemoteCount: 800, LocalCount: 800, LastCheckedAt: checked(7)},
			true, 20, "periodic_refresh",
		},
		{
			"stale medium partition",
			crawler.Partition{Key: konut, RemoteCount: 300, LocalCount: 300, LastCheckedAt: checked(7)},
			true, 10, "periodic_refresh",
		},
		{
			"stale small partition",
			crawler.Partition{Key: konut, RemoteCount: 40, LocalCount: 41, LastCheckedAt: checked(8)},
			true, 5, "periodic_refresh",
		},
		{
			"recent and unchanged",
			crawler.Partition{Key: konut, RemoteCount: 800, LocalCount: 800, LastCheckedAt: checked(2.5)},
			false, 0, "skip (checked 2.5h ago, no changes)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := New(fakeStats{parts: map[crawler.PartitionKey]crawler.Partition{konut: tt.part}},
				fixedClock{}, Config{}, zap.NewNop())
			d := e.ShouldCrawl(context.Background(), konut)
			require.Equal(t, tt.wantCrawl, d.Crawl)
			require.Equal(t, tt.wantBudget, d.Budget)
			require.Equal(t, tt.wantReason, d.Reason)
			require.Equal(t, konut, d.Key())
		})
	}
}

func TestShouldCrawlFailsOpen(t *testing.T) {
	t.Parallel()

	e := New(fakeStats{err: errors.New("db down")}, fixedClock{}, Config{}, zap.NewNop())
	d := e.ShouldCrawl(context.Background(), mustKey(t, "arsa_satilik"))
	require.True(t, d.Crawl)
	require.Equal(t, 100, d.Budget)
	require.Equal(t, ReasonErrorFallback, d.Reason)
}

func TestPriorityList(t *testing.T) {
	t.Parallel()

	konut := mustKey(t, "konut_satilik")
	arsa := mustKey(t, "arsa_satilik")
	bina := mustKey(t, "bina_satilik")
	isyeri := mustKey(t, "isyeri_satilik")
	e := New(fakeStats{parts: map[crawler.PartitionKey]crawler.Partition{
		konut:  {Key: konut, RemoteCount: 810, LocalCount: 800, LastCheckedAt: checked(1)},  // 10 + 4
		arsa:   {Key: arsa, RemoteCount: 100, LocalCount: 100, LastCheckedAt: checked(20)}, // 0 + 50
		isyeri: {Key: isyeri, RemoteCount: 10, LocalCount: 10, LastCheckedAt: checked(1)},  // 0 + 4
	}}, fixedClock{}, Config{}, zap.NewNop())

	list := e.PriorityList(context.Background(), []crawler.PartitionKey{isyeri, konut, bina, arsa})
	require.Len(t, list, 4)
	require.Equal(t, []string{"bina_satilik", "arsa_satilik", "konut_satilik", "isyeri_satilik"},
		[]string{list[0].Partition, list[1].Partition, list[2].Partition, list[3].Partition})
	require.InDelta(t, 50, list[0].Score, 1e-9)
	require.InDelta(t, 14, list[2].Score, 1e-9)
}

func TestPriorityListKeepsInsertionOrderOnTies(t *testing.T) {
	t.Parallel()

	e := New(fakeStats{}, fixedClock{}, Config{}, zap.NewNop())
	keys := catalog.Partitions()
	list := e.PriorityList(context.Background(), keys)
	for i, k := range keys {
		require.Equal(t, k.String(), list[i].Partition)
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	konut := mustKey(t, "konut_satilik")
	arsa := mustKey(t, "arsa_satilik")
	e := New(fakeStats{parts: map[crawler.PartitionKey]crawler.Partition{
		konut: {Key: konut, RemoteCount: 5, LocalCount: 5, LastCheckedAt: checked(1)},
		arsa:  {Key: arsa, RemoteCount: 5, LocalCount: 5, LastCheckedAt: checked(1)},
	}}, fixedClock{}, Config{}, zap.NewNop())

	r := e.Plan(context.Background(), catalog.Partitions())
	require.Equal(t, 7, r.Total)
	require.Equal(t, 2, r.Skipped)
	require.Equal(t, 5, r.ToCrawl)
	require.InDelta(t, 28.571, r.SkipPercentage, 0.01)
	require.InDelta(t, 3.0, r.MinutesSaved, 1e-9)
	require.Len(t, r.Decisions, 7)
}
