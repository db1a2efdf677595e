// Package ratelimit implements the adaptive request pacer shared by all crawl
// workers. It spaces requests with a backoff-scaled delay, honours a trailing
// one-minute ceiling and a per-minute burst limit, and cools down after blocks.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-sync-crawler/internal/metrics"
)

const window = time.Minute

// Config holds rate limiter configuration.
type Config struct {
	BaseDelay             time.Duration
	MinDelay              time.Duration
	MaxDelay              time.Duration
	JitterRange           time.Duration
	BackoffMultiplier     float64
	MaxBackoffLevel       float64
	CooldownAfterBlock    time.Duration
	RequestsPerMinute     int
	BurstLimit            int
	SuccessThreshold      int
	SlowResponseThreshold time.Duration
	StaggerWindow         time.Duration
	Workers               int

	Logger *zap.Logger
	// Now, Sleep and Rand are overridable for tests.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
	Rand  func() float64
}

// Preset names accepted by Preset.
const (
	PresetDefault  = "default"
	PresetParallel = "parallel"
	PresetTurbo    = "turbo"
)

// DefaultConfig returns the single-worker tuning.
func DefaultConfig() Config {
	return Config{
		BaseDelay:             1500 * time.Millisecond,
		MinDelay:              500 * time.Millisecond,
		MaxDelay:              30 * time.Second,
		JitterRange:           500 * time.Millisecond,
		BackoffMultiplier:     2,
		MaxBackoffLevel:       25,
		CooldownAfterBlock:    60 * time.Second,
		RequestsPerMinute:     55,
		BurstLimit:            25,
		SuccessThreshold:      5,
		SlowResponseThreshold: 10 * time.Second,
		StaggerWindow:         750 * time.Millisecond,
		Workers:               1,
	}
}

// Preset returns a named tuning.
func Preset(name string) (Config, error) {
	cfg := DefaultConfig()
	switch name {
	case "", PresetDefault:
	case PresetParallel:
		cfg.BaseDelay = 2 * time.Second
		cfg.MinDelay = time.Second
		cfg.MaxDelay = 45 * time.Second
		cfg.RequestsPerMinute = 30
		cfg.CooldownAfterBlock = 30 * time.Second
	case PresetTurbo:
		cfg.BaseDelay = 500 * time.Millisecond
		cfg.MinDelay = 100 * time.Millisecond
		cfg.JitterRange = 200 * time.Millisecond
	default:
		return Config{}, fmt.Errorf("unknown rate limit preset %q", name)
	}
	return cfg, nil
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	TotalRequests        int     `json:"total_requests"`
	TotalBlocks          int     `json:"total_blocks"`
	BlockRate            float64 `json:"block_rate"`
	BackoffLevel         float64 `json:"backoff_level"`
	CurrentDelaySeconds  float64 `json:"current_delay_seconds"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
}

// Limiter is safe for concurrent use by many workers.
type Limiter struct {
	cfg    Config
	logger *zap.Logger
	stalls rate.Sometimes

	mu            sync.Mutex
	workers       int
	level         float64
	successes     int
	totalRequests int
	totalBlocks   int
	lastBlock     time.Time
	lastDispatch  time.Time
	dispatches    []time.Time
	burstStart    time.Time
	burstCount    int
}

// New creates a Limiter, filling unset knobs from DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.JitterRange < 0 {
		cfg.JitterRange = 0
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoffLevel <= 0 {
		cfg.MaxBackoffLevel = def.MaxBackoffLevel
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.SlowResponseThreshold <= 0 {
		cfg.SlowResponseThreshold = def.SlowResponseThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Limiter{
		cfg:     cfg,
		workers: cfg.Workers,
		logger:  cfg.Logger.Named("ratelimit"),
		stalls: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Wait blocks until the caller may dispatch its next request and returns how
// long it waited. The slot is reserved before sleeping so concurrent callers
// never share one.
func (l *Limiter) Wait(ctx context.Context, workerID int) (time.Duration, error) {
	l.mu.Lock()
	now := l.cfg.Now()
	fire := now

	if !l.lastBlock.IsZero() {
		if until := l.lastBlock.Add(l.cfg.CooldownAfterBlock); until.After(fire) {
			fire = until
			l.logger.Info("cooling down after block", zap.Duration("remaining", until.Sub(now)))
		}
	}

	if !l.lastDispatch.IsZero() {
		spacing := l.delayLocked(true) + l.staggerLocked(workerID)
		fire = later(fire, l.lastDispatch.Add(spacing))
	}

	if rpm := l.cfg.RequestsPerMinute; rpm > 0 && len(l.dispatches) >= rpm {
		if slot := l.dispatches[len(l.dispatches)-rpm].Add(window); slot.After(fire) {
			fire = slot
			l.stalls.Do(func() {
				l.logger.Debug("requests per minute ceiling reached", zap.Int("rpm", rpm),
					zap.Duration("stall", fire.Sub(now)))
			})
		}
	}

	if burst := l.cfg.BurstLimit; burst > 0 {
		if l.burstStart.IsZero() || fire.Sub(l.burstStart) >= window {
			l.burstStart = fire
			l.burstCount = 0
		}
		if l.burstCount >= burst {
			fire = later(fire, l.burstStart.Add(window))
			l.burstStart = fire
			l.burstCount = 0
		}
		l.burstCount++
	}

	l.lastDispatch = fire
	l.totalRequests++
	if rpm := l.cfg.RequestsPerMinute; rpm > 0 {
		l.dispatches = append(l.dispatches, fire)
		if len(l.dispatches) > rpm {
			l.dispatches = append(l.dispatches[:0], l.dispatches[len(l.dispatches)-rpm:]...)
		}
	}
	l.mu.Unlock()

	wait := fire.Sub(now)
	if wait <= 0 {
		return 0, nil
	}
	metrics.ObserveRateLimitWait(workerID, wait)
	if err := l.cfg.Sleep(ctx, wait); err != nil {
		return wait, fmt.Errorf("rate limit wait: %w", err)
	}
	return wait, nil
}

// SetWorkers changes the number of workers the stagger offsets are spread
// over. Each job calls it with its own worker count before walking.
func (l *Limiter) SetWorkers(n int) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n != l.workers {
		l.logger.Debug("stagger workers changed", zap.Int("from", l.workers), zap.Int("to", n))
	}
	l.workers = n
}

// StaggerOffset is the fixed extra spacing for a worker so workers sharing
// the limiter interleave instead of firing together.
func (l *Limiter) StaggerOffset(workerID int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.staggerLocked(workerID)
}

func (l *Limiter) staggerLocked(workerID int) time.Duration {
	n := l.workers
	if n <= 1 || workerID <= 0 {
		return 0
	}
	frac := float64(workerID%n) / float64(n)
	return time.Duration(frac * float64(l.cfg.StaggerWindow))
}

// ReportSuccess records a successful fetch and decays the backoff level once
// enough consecutive successes have accumulated.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	if l.successes >= l.cfg.SuccessThreshold && l.level > 0 {
		l.level = math.Max(0, l.level-1)
		l.logger.Info("backoff decreased", zap.Float64("level", l.level))
	}
	metrics.SetBackoffLevel(l.level)
}

// ReportBlocked records a block or challenge and raises the backoff level.
func (l *Limiter) ReportBlocked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalBlocks++
	l.successes = 0
	l.lastBlock = l.cfg.Now()
	l.level = math.Min(l.cfg.MaxBackoffLevel, l.level+1)
	metrics.SetBackoffLevel(l.level)
	l.logger.Warn("block detected",
		zap.Float64("level", l.level),
		zap.Duration("delay", l.delayLocked(false)),
	)
}

// ReportSlowResponse nudges the backoff level when a response took longer
// than the slow-response threshold.
func (l *Limiter) ReportSlowResponse(d time.Duration) {
	if d <= l.cfg.SlowResponseThreshold {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = math.Min(l.cfg.MaxBackoffLevel, l.level+0.5)
	metrics.SetBackoffLevel(l.level)
	l.logger.Info("slow response, backing off", zap.Duration("response_time", d), zap.Float64("level", l.level))
}

// Stats returns current counters. CurrentDelaySeconds excludes jitter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		TotalRequests:        l.totalRequests,
		TotalBlocks:          l.totalBlocks,
		BackoffLevel:         l.level,
		CurrentDelaySeconds:  l.delayLocked(false).Seconds(),
		ConsecutiveSuccesses: l.successes,
	}
	if l.totalRequests > 0 {
		s.BlockRate = float64(l.totalBlocks) / float64(l.totalRequests) * 100
	}
	return s
}

// Reset clears backoff memory. Request and block totals are kept.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = 0
	l.successes = 0
	l.lastBlock = time.Time{}
	l.burstCount = 0
	l.burstStart = time.Time{}
	metrics.SetBackoffLevel(0)
	l.logger.Info("rate limiter reset")
}

func (l *Limiter) delayLocked(withJitter bool) time.Duration {
	base := float64(l.cfg.BaseDelay)
	if l.level > 0 {
		base *= math.Pow(l.cfg.BackoffMultiplier, l.level)
	}
	if l.successes > 10 {
		base *= 1 - math.Min(0.3, float64(l.successes)*0.02)
	}
	if withJitter && l.cfg.JitterRange > 0 {
		base += (l.cfg.Rand()*2 - 1) * float64(l.cfg.JitterRange)
	}
	base = math.Max(float64(l.cfg.MinDelay), math.Min(float64(l.cfg.MaxDelay), base))
	return time.Duration(base)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
