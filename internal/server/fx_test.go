package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/config"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/policy/ratelimit"
)

const firstPage = `<html><body>
<table id="searchResultsTable"><tbody>
<tr class="searchResultsItem" data-id="1180000001">
  <td><a class="classifiedTitle" href="/ilan/1180000001/detay">Merkezde 3+1 Daire</a></td>
  <td class="searchResultsPriceValue">4.250.000 TL</td>
</tr>
<tr class="searchResultsItem" data-id="1180000002">
  <td><a class="classifiedTitle" href="/ilan/1180000002/detay">Bahçeli 2+1</a></td>
  <td class="searchResultsPriceValue">3.100.000 TL</td>
</tr>
</tbody></table>
</body></html>`

type stubFetcher struct {
	calls *atomic.Int32
}

func (f stubFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	f.calls.Add(1)
	body := "<html><body></body></html>"
	if !strings.Contains(url, "pagingOffset") {
		body = firstPage
	}
	return crawler.Page{URL: url, StatusCode: http.StatusOK, Body: []byte(body), Duration: time.Millisecond}, nil
}

func (stubFetcher) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.Preset = ratelimit.PresetTurbo
	cfg.Jobs.Workers = 1
	cfg.Storage.Driver = config.DriverMemory
	cfg.Archive.Backend = config.ArchiveNone
	cfg.Cache.Backend = config.CacheMemory
	cfg.PubSub.ProjectID = ""
	cfg.Auth.Enabled = false
	return cfg
}

func buildApp(t *testing.T, calls *atomic.Int32) *App {
	t.Helper()
	app, err := Build(context.Background(), testConfig(t),
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
		WithFetchers(crawler.FetcherFactoryFunc(func(context.Context, int) (crawler.PageFetcher, error) {
			return stubFetcher{calls: calls}, nil
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	})
	return app
}

func TestBuildServesHealth(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	app := buildApp(t, &calls)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestPlanDefaultsToEveryPartition(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	app := buildApp(t, &calls)

	res, err := app.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Priority, 7)
	require.Equal(t, 7, res.Report.Total)
	require.Equal(t, 7, res.Report.ToCrawl)
	require.Zero(t, calls.Load())

	_, err = app.Plan(context.Background(), []string{"villa_satilik"})
	require.Error(t, err)
}

func TestRunJobCrawlsPartition(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	app := buildApp(t, &calls)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := app.RunJob(ctx, crawler.JobOptions{Partitions: []string{"konut_satilik"}, Reconcile: true})
	require.NoError(t, err)

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Stats.New)
	require.Empty(t, job.Stats.Errors)
	require.Len(t, job.Stats.Partitions, 1)
	require.Equal(t, "konut_satilik", job.Stats.Partitions[0].Partition)
	require.GreaterOrEqual(t, calls.Load(), int32(1))

	res, err := app.Plan(ctx, []string{"konut_satilik"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Report.Total)
}

func TestRunJobRejectsUnknownPartition(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	app := buildApp(t, &calls)

	_, err := app.RunJob(context.Background(), crawler.JobOptions{Partitions: []string{"villa_satilik"}})
	require.Error(t, err)
	require.Zero(t, calls.Load())
}
