package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/formsync/formsync/internal/collab"
	"github.com/formsync/formsync/pkg/logger"
	"github.com/formsync/formsync/pkg/metrics"
)

const (
	defaultStatsSpec = "@every 30s"
	defaultSweepSpec = "@every 10m"
)

// StatsSource reports collaboration engine totals.
type StatsSource interface {
	Stats() collab.Stats
}

// Purger removes expired cache entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Cleaner runs periodic background jobs: the engine stats report and the
// expired cache sweep.
type Cleaner struct {
	stats  StatsSource
	purger Purger
	cron   *cron.Cron
	log    *zap.Logger

	statsSchedule string
	sweepSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithStatsSchedule overrides the cron specification for the stats report.
func WithStatsSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.statsSchedule = spec
		}
	}
}

// WithSweepSchedule overrides the cron specification for the cache sweep.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner. A nil dependency skips its job; a nil
// purger is normal for the Redis backend, which expires keys itself.
func NewCleaner(stats StatsSource, purger Purger, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		stats:         stats,
		purger:        purger,
		statsSchedule: defaultStatsSpec,
		sweepSchedule: defaultSweepSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the jobs and launches the scheduler.
func (c *Cleaner) Start() error {
	if c.stats == nil && c.purger == nil {
		return nil
	}

	if c.stats != nil {
		if _, err := c.cron.AddFunc(c.statsSchedule, func() {
			c.ReportStats()
		}); err != nil {
			return err
		}
	}

	if c.purger != nil {
		if _, err := c.cron.AddFunc(c.sweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := c.Sweep(ctx); err != nil {
				c.log.Warn("cache sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// ReportStats logs engine totals and refreshes the matching gauges.
func (c *Cleaner) ReportStats() collab.Stats {
	if c.stats == nil {
		return collab.Stats{}
	}

	stats := c.stats.Stats()
	metrics.ActiveRooms.Set(float64(stats.Rooms))
	metrics.ActiveParticipants.Set(float64(stats.Participants))
	metrics.ActiveLocks.Set(float64(stats.Locks))
	metrics.CachedResponses.Set(float64(stats.CachedForms))

	c.log.Info("collaboration stats",
		zap.Int("rooms", stats.Rooms),
		zap.Int("participants", stats.Participants),
		zap.Int("locks", stats.Locks),
		zap.Int("cached_forms", stats.CachedForms),
		zap.Int("pending_flushes", stats.PendingFlushes))
	return stats
}

// Sweep purges expired cache entries.
func (c *Cleaner) Sweep(ctx context.Context) (int64, error) {
	if c.purger == nil {
		return 0, nil
	}
	removed, err := c.purger.PurgeExpired(ctx)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		c.log.Debug("expired cache entries purged", zap.Int64("removed", removed))
	}
	return removed, nil
}

// RunOnce executes every configured job sequentially. Used in tests and
// during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	c.ReportStats()

	if _, err := c.Sweep(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}
