package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/formsync/formsync/internal/cache"
	"github.com/formsync/formsync/internal/collab"
	testutil "github.com/formsync/formsync/internal/database/testutil"
	"github.com/formsync/formsync/internal/models"
)

type fixedStats collab.Stats

func (s fixedStats) Stats() collab.Stats { return collab.Stats(s) }

type failingPurger struct{}

func (failingPurger) PurgeExpired(context.Context) (int64, error) {
	return 0, errors.New("purge failed")
}

func TestCleanerRunOnceSweepsDatabaseCache(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	store := cache.NewDatabaseStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "field:expired", []byte("Name"), time.Millisecond))
	require.NoError(t, store.Set(ctx, "field:live", []byte("Email"), time.Hour))
	time.Sleep(10 * time.Millisecond)

	cleaner := NewCleaner(fixedStats{Rooms: 2, Participants: 3}, store)
	require.NoError(t, cleaner.RunOnce(ctx))

	var remaining int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&remaining).Error)
	require.Equal(t, int64(1), remaining)

	value, ok, err := store.Get(ctx, "field:live")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Email", string(value))
}

func TestCleanerRunOnceAggregatesErrors(t *testing.T) {
	cleaner := NewCleaner(nil, failingPurger{})
	err := cleaner.RunOnce(context.Background())
	require.ErrorContains(t, err, "purge failed")
}

func TestCleanerReportStats(t *testing.T) {
	cleaner := NewCleaner(fixedStats{Rooms: 1, Participants: 4, Locks: 2, CachedForms: 1}, nil)

	stats := cleaner.ReportStats()
	require.Equal(t, 4, stats.Participants)
	require.Equal(t, 2, stats.Locks)

	require.Equal(t, collab.Stats{}, NewCleaner(nil, nil).ReportStats())
}

func TestCleanerStartRegistersJobs(t *testing.T) {
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	cleaner := NewCleaner(fixedStats{}, cache.NewMemoryStore(),
		WithCron(c),
		WithStatsSchedule("@every 1h"),
		WithSweepSchedule("@every 2h"))

	require.NoError(t, cleaner.Start())
	defer cleaner.Stop()
	require.Len(t, c.Entries(), 2)
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	cleaner := NewCleaner(fixedStats{}, nil, WithStatsSchedule("not a schedule"))
	require.Error(t, cleaner.Start())
}

func TestCleanerWithoutJobsIsNoop(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	require.NoError(t, cleaner.Start())
	<-cleaner.Stop().Done()
}
