package signalsink

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/loadctl/internal/clock"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/storage"
)

func newTestSink(t *testing.T, ctx context.Context) (*Sink, *pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, storage.Bootstrap(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return New(pool), pool, cleanup
}

func sampleTuple(loaderCode string, ts time.Time) domain.SignalTuple {
	return domain.SignalTuple{
		LoaderCode:       loaderCode,
		LoadTimestampUTC: ts,
		SegmentCode:      "_all_",
		RecCount:         10,
		MinVal:           1,
		AvgVal:           5,
		MaxVal:           9,
		SumVal:           50,
	}
}

func TestSink_FailOnDuplicate_AbortsOnConflict(t *testing.T) {
	ctx := context.Background()
	sink, pool, cleanup := newTestSink(t, ctx)
	defer cleanup()
	_ = pool

	ts := time.Now().UTC().Truncate(time.Second)
	tuple := sampleTuple("loader1", ts)

	_, err := sink.Commit(ctx, "loader1", clock.Range{}, domain.PurgeStrategyFailOnDuplicate, []domain.SignalTuple{tuple})
	require.NoError(t, err)

	_, err = sink.Commit(ctx, "loader1", clock.Range{}, domain.PurgeStrategyFailOnDuplicate, []domain.SignalTuple{tuple})
	require.ErrorIs(t, err, domain.ErrSinkConflict)
}

func TestSink_PurgeAndReload_ReplacesWindow(t *testing.T) {
	ctx := context.Background()
	sink, pool, cleanup := newTestSink(t, ctx)
	defer cleanup()

	from := time.Now().UTC().Truncate(time.Hour)
	to := from.Add(time.Hour)
	ts := from.Add(10 * time.Minute)

	_, err := sink.Commit(ctx, "loader2", clock.Range{From: from, To: to}, domain.PurgeStrategyPurgeAndReload, []domain.SignalTuple{sampleTuple("loader2", ts)})
	require.NoError(t, err)

	updated := sampleTuple("loader2", ts)
	updated.RecCount = 99
	_, err = sink.Commit(ctx, "loader2", clock.Range{From: from, To: to}, domain.PurgeStrategyPurgeAndReload, []domain.SignalTuple{updated})
	require.NoError(t, err)

	var count int64
	var recCount int64
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*), MAX(rec_count) FROM signals_history WHERE loader_code = $1", "loader2").Scan(&count, &recCount))
	require.Equal(t, int64(1), count)
	require.Equal(t, int64(99), recCount)
}

func TestSink_SkipDuplicates_CountsWithoutFailing(t *testing.T) {
	ctx := context.Background()
	sink, _, cleanup := newTestSink(t, ctx)
	defer cleanup()

	ts := time.Now().UTC().Truncate(time.Second)
	tuple := sampleTuple("loader3", ts)

	res, err := sink.Commit(ctx, "loader3", clock.Range{}, domain.PurgeStrategySkipDuplicates, []domain.SignalTuple{tuple})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	res, err = sink.Commit(ctx, "loader3", clock.Range{}, domain.PurgeStrategySkipDuplicates, []domain.SignalTuple{tuple})
	require.NoError(t, err)
	require.Equal(t, 0, res.Inserted)
	require.Equal(t, 1, res.SkippedDuplicates)
}
