// Package decision decides which partitions need a walk on this run and how
// many pages each walk may spend.
package decision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/catalog"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// Reasons reported with a Decision.
const (
	ReasonFirstCrawl      = "first_crawl"
	ReasonNewListings     = "new_listings_detected"
	ReasonPeriodicRefresh = "periodic_refresh"
	ReasonSkip            = "skip"
	ReasonErrorFallback   = "error_fallback"
)

const (
	neverCheckedHours  = 999
	minutesPerSkip     = 1.5
	maxStalenessPoints = 50
)

// StatsReader is the slice of the listing store the engine reads.
type StatsReader interface {
	PartitionStats(ctx context.Context, key crawler.PartitionKey) (crawler.Partition, error)
}

// Config tunes the decision rules.
type Config struct {
	DefaultBudget int
	DiffCap       int
	StaleAfter    time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{DefaultBudget: 100, DiffCap: 10, StaleAfter: 6 * time.Hour}
}

// Decision is the verdict for one partition.
type Decision struct {
	Partition string  `json:"partition"`
	Crawl     bool    `json:"crawl"`
	Budget    int     `json:"page_budget"`
	Reason    string  `json:"reason"`
	Diff      int     `json:"diff"`
	Hours     float64 `json:"hours_since_checked"`

	key crawler.PartitionKey
}

// Key returns the partition the decision refers to.
func (d Decision) Key() crawler.PartitionKey { return d.key }

// Scored is one entry of the advisory priority list.
type Scored struct {
	Partition string  `json:"partition"`
	Score     float64 `json:"score"`
	Diff      int     `json:"diff"`
	Hours     float64 `json:"hours_since_checked"`
}

// SkipReport summarizes a planning pass.
type SkipReport struct {
	Total          int        `json:"total"`
	ToCrawl        int        `json:"to_crawl"`
	Skipped        int        `json:"skipped"`
	SkipPercentage float64    `json:"skip_percentage"`
	MinutesSaved   float64    `json:"estimated_minutes_saved"`
	Decisions      []Decision `json:"decisions"`
}

// Engine evaluates partition stats against the decision rules.
type Engine struct {
	stats  StatsReader
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds an Engine. Zero config fields take production defaults.
func New(stats StatsReader, clock crawler.Clock, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = def.DefaultBudget
	}
	if cfg.DiffCap <= 0 {
		cfg.DiffCap = def.DiffCap
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{stats: stats, clock: clock, cfg: cfg, logger: logger.Named("decision")}
}

// ShouldCrawl applies the rules in order: first crawl, new listings, stale
// refresh, otherwise skip. A stats read failure fails open with the default
// budget.
func (e *Engine) ShouldCrawl(ctx context.Context, key crawler.PartitionKey) Decision {
	d := Decision{Partition: key.String(), key: key}
	p, err := e.stats.PartitionStats(ctx, key)
	if err != nil {
		e.logger.Warn("partition stats unavailable, crawling anyway",
			zap.String("partition", key.String()), zap.Error(err))
		d.Crawl, d.Budget, d.Reason = true, e.cfg.DefaultBudget, ReasonErrorFallback
		return d
	}

	if p.LastCheckedAt == nil {
		d.Crawl, d.Budget, d.Reason = true, e.cfg.DefaultBudget, ReasonFirstCrawl
		d.Hours = neverCheckedHours
		return d
	}

	d.Diff = p.RemoteCount - p.LocalCount
	d.Hours = e.clock.Now().Sub(*p.LastCheckedAt).Hours()

	if d.Diff > 0 {
		d.Crawl = true
		d.Budget = min(ceilDiv(d.Diff, catalog.PageSize), e.cfg.DiffCap)
		d.Reason = fmt.Sprintf("%s(diff=%d)", ReasonNewListings, d.Diff)
		return d
	}

	if d.Hours > e.cfg.StaleAfter.Hours() {
		d.Crawl, d.Budget, d.Reason = true, refreshBudget(p.RemoteCount), ReasonPeriodicRefresh
		return d
	}

	d.Reason = fmt.Sprintf("%s (checked %.1fh ago, no changes)", ReasonSkip, d.Hours)
	return d
}

// PriorityList scores partitions by diff plus staleness and sorts them
// descending. Ties keep the input order.
func (e *Engine) PriorityList(ctx context.Context, keys []crawler.PartitionKey) []Scored {
	now := e.clock.Now()
	out := make([]Scored, 0, len(keys))
	for _, key := range keys {
		s := Scored{Partition: key.String(), Hours: neverCheckedHours}
		p, err := e.stats.PartitionStats(ctx, key)
		if err != nil {
			e.logger.Warn("partition stats unavailable for scoring",
				zap.String("partition", key.String()), zap.Error(err))
		} else {
			s.Diff = p.RemoteCount - p.LocalCount
			if p.LastCheckedAt != nil {
				s.Hours = now.Sub(*p.LastCheckedAt).Hours()
			}
		}
		s.Score = float64(s.Diff) + math.Min(s.Hours*4, maxStalenessPoints)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Plan evaluates every key and summarizes how much work is skipped.
func (e *Engine) Plan(ctx context.Context, keys []crawler.PartitionKey) SkipReport {
	r := SkipReport{Total: len(keys), Decisions: make([]Decision, 0, len(keys))}
	for _, key := range keys {
		d := e.ShouldCrawl(ctx, key)
		if d.Crawl {
			r.ToCrawl++
		} else {
			r.Skipped++
		}
		r.Decisions = append(r.Decisions, d)
	}
	if r.Total > 0 {
		r.SkipPercentage = float64(r.Skipped) / float64(r.Total) * 100
	}
	r.MinutesSaved = float64(r.Skipped) * minutesPerSkip
	return r
}

func refreshBudget(remote int) int {
	switch {
	case remote > 500:
		return 20
	case remote > 200:
		return 10
	default:
		return 5
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
