// Package signalsink is the Signal Sink (C3): the idempotent writer of
// C4's aggregated tuples into signals_history, honoring the loader's
// purge_strategy. Every Commit is one pgx.Tx: either the full batch lands
// and the caller advances the watermark, or nothing is persisted.
package signalsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/clock"
	"github.com/malbeclabs/loadctl/internal/domain"
)

// Sink is the pgxpool-backed Signal Sink.
type Sink struct {
	pool *pgxpool.Pool
}

// New wraps an already-bootstrapped *pgxpool.Pool.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// Result summarizes one Commit.
type Result struct {
	Inserted          int
	SkippedDuplicates int
}

// Commit persists tuples for loaderCode under strategy, scoped to rng for
// PURGE_AND_RELOAD's delete-then-insert window. Returns domain.ErrSinkConflict
// if FAIL_ON_DUPLICATE hits a uniqueness violation; the caller (C4) maps that
// onto load_status=FAILED with the watermark left untouched.
func (s *Sink) Commit(ctx context.Context, loaderCode string, rng clock.Range, strategy domain.PurgeStrategy, tuples []domain.SignalTuple) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("signalsink: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var result Result
	switch strategy {
	case domain.PurgeStrategyFailOnDuplicate:
		result, err = commitFailOnDuplicate(ctx, tx, tuples)
	case domain.PurgeStrategyPurgeAndReload:
		result, err = commitPurgeAndReload(ctx, tx, loaderCode, rng, tuples)
	case domain.PurgeStrategySkipDuplicates:
		result, err = commitSkipDuplicates(ctx, tx, tuples)
	default:
		return Result{}, fmt.Errorf("signalsink: unknown purge strategy %q", strategy)
	}
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("signalsink: commit tx: %w", err)
	}
	return result, nil
}

func commitFailOnDuplicate(ctx context.Context, tx pgx.Tx, tuples []domain.SignalTuple) (Result, error) {
	for _, t := range tuples {
		_, err := tx.Exec(ctx, insertSignalSQL, t.LoaderCode, t.LoadTimestampUTC, t.SegmentCode, t.RecCount, t.MinVal, t.AvgVal, t.MaxVal, t.SumVal)
		if isUniqueViolation(err) {
			return Result{}, fmt.Errorf("signalsink: %w: duplicate tuple for loader=%s segment=%s ts=%s",
				domain.ErrSinkConflict, t.LoaderCode, t.SegmentCode, t.LoadTimestampUTC)
		}
		if err != nil {
			return Result{}, fmt.Errorf("signalsink: insert: %w", err)
		}
	}
	return Result{Inserted: len(tuples)}, nil
}

func commitPurgeAndReload(ctx context.Context, tx pgx.Tx, loaderCode string, rng clock.Range, tuples []domain.SignalTuple) (Result, error) {
	_, err := tx.Exec(ctx, `
		DELETE FROM signals_history
		WHERE loader_code = $1 AND load_timestamp_utc >= $2 AND load_timestamp_utc < $3
	`, loaderCode, rng.From, rng.To)
	if err != nil {
		return Result{}, fmt.Errorf("signalsink: purge: %w", err)
	}

	for _, t := range tuples {
		_, err := tx.Exec(ctx, insertSignalSQL, t.LoaderCode, t.LoadTimestampUTC, t.SegmentCode, t.RecCount, t.MinVal, t.AvgVal, t.MaxVal, t.SumVal)
		if err != nil {
			return Result{}, fmt.Errorf("signalsink: insert after purge: %w", err)
		}
	}
	return Result{Inserted: len(tuples)}, nil
}

func commitSkipDuplicates(ctx context.Context, tx pgx.Tx, tuples []domain.SignalTuple) (Result, error) {
	var result Result
	for _, t := range tuples {
		tag, err := tx.Exec(ctx, insertSignalSkipDuplicatesSQL, t.LoaderCode, t.LoadTimestampUTC, t.SegmentCode, t.RecCount, t.MinVal, t.AvgVal, t.MaxVal, t.SumVal)
		if err != nil {
			return Result{}, fmt.Errorf("signalsink: insert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			result.SkippedDuplicates++
		} else {
			result.Inserted++
		}
	}
	return result, nil
}

const insertSignalSQL = `
INSERT INTO signals_history (loader_code, load_timestamp_utc, segment_code, rec_count, min_val, avg_val, max_val, sum_val)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertSignalSkipDuplicatesSQL = insertSignalSQL + `
ON CONFLICT (loader_code, load_timestamp_utc, segment_code) DO NOTHING`
