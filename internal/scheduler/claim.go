package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// defaultAutoRecoverAfter is spec.md §4.5's FAILED-to-IDLE recovery
// threshold, configurable via Config.AutoRecoverAfter
// (failure_auto_recovery_minutes).
const defaultAutoRecoverAfter = 20 * time.Minute

const selectColumns = `id, entity_code, version_number, version_status, parent_version_id,
	source_db_ref, sql_text,
	min_interval_seconds, max_interval_seconds, max_query_period_seconds, max_parallel_executions,
	source_timezone_offset_hours,
	load_status, last_load_timestamp, last_success_timestamp, failed_since, consecutive_zero_record_runs,
	purge_strategy, enabled,
	created_by, created_at, modified_by, modified_at,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	change_type, change_summary, import_label`

func scanLoaderRow(row pgx.Row) (domain.Loader, error) {
	var l domain.Loader
	err := row.Scan(
		&l.ID, &l.EntityCode, &l.VersionNumber, &l.VersionStatus, &l.ParentVersionID,
		&l.SourceDBRef, &l.SQLText,
		&l.MinIntervalSeconds, &l.MaxIntervalSeconds, &l.MaxQueryPeriodSeconds, &l.MaxParallelExecutions,
		&l.SourceTimezoneOffsetHours,
		&l.LoadStatus, &l.LastLoadTimestamp, &l.LastSuccessTimestamp, &l.FailedSince, &l.ConsecutiveZeroRecordRuns,
		&l.PurgeStrategy, &l.Enabled,
		&l.CreatedBy, &l.CreatedAt, &l.ModifiedBy, &l.ModifiedAt,
		&l.ApprovedBy, &l.ApprovedAt, &l.RejectedBy, &l.RejectedAt, &l.RejectionReason,
		&l.ChangeType, &l.ChangeSummary, &l.ImportLabel,
	)
	return l, err
}

// recoverFailed transitions every FAILED row whose failure is older than
// autoRecoverAfter back to IDLE, per spec.md §4.5's auto-recovery rule.
// Run once per sweep, ahead of the eligibility claim. A zero
// autoRecoverAfter falls back to defaultAutoRecoverAfter.
func recoverFailed(ctx context.Context, pool *pgxpool.Pool, now time.Time, autoRecoverAfter time.Duration) (int64, error) {
	if autoRecoverAfter == 0 {
		autoRecoverAfter = defaultAutoRecoverAfter
	}
	tag, err := pool.Exec(ctx, `
		UPDATE loader
		SET load_status = 'IDLE', failed_since = NULL
		WHERE load_status = 'FAILED' AND failed_since IS NOT NULL AND $1 - failed_since >= $2
	`, now, autoRecoverAfter)
	if err != nil {
		return 0, fmt.Errorf("scheduler: auto-recover: %w", err)
	}
	return tag.RowsAffected(), nil
}

// releaseRunning resets ids that this replica was still holding RUNNING back
// to IDLE, per spec.md §5's shared-resource shutdown policy: a replica must
// not leave claimed rows stuck until the auto-recovery window elapses just
// because it is shutting down. Depending on whether the in-flight execution
// managed to persist its outcome before the parent context it was using
// became canceled, the row may have landed on FAILED or still read RUNNING;
// both are matched here. A row that finished successfully before shutdown
// (IDLE) is untouched.
func releaseRunning(ctx context.Context, pool *pgxpool.Pool, ids []int64) error {
	_, err := pool.Exec(ctx, `
		UPDATE loader
		SET load_status = 'IDLE', failed_since = NULL
		WHERE id = ANY($1) AND load_status IN ('RUNNING', 'FAILED')
	`, ids)
	if err != nil {
		return fmt.Errorf("scheduler: release running: %w", err)
	}
	return nil
}

// eligibleCandidates returns the ids of ACTIVE, IDLE, enabled rows whose
// interval predicate is satisfied, per spec.md §4.5's eligibility
// predicate. It does not lock anything; claimOne does the locking.
func eligibleCandidates(ctx context.Context, pool *pgxpool.Pool, now time.Time, limit int) ([]int64, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM loader
		WHERE enabled = true
		  AND version_status = 'ACTIVE'
		  AND load_status = 'IDLE'
		  AND (last_success_timestamp IS NULL OR $1 - last_success_timestamp >= make_interval(secs => max_interval_seconds))
		  AND (last_success_timestamp IS NULL OR $1 - last_success_timestamp >= make_interval(secs => min_interval_seconds))
		ORDER BY last_success_timestamp NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: eligible candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scheduler: scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// claimOne attempts to claim a single candidate row: lock it with
// SELECT ... FOR UPDATE SKIP LOCKED, re-check eligibility and the
// parallelism cap under the lock, and if both hold, set load_status=RUNNING
// and commit. Returns (loader, true, nil) on a successful claim, and
// (zero, false, nil) when the row was already claimed by another replica,
// no longer eligible, or the entity_code's parallelism cap is saturated.
func claimOne(ctx context.Context, pool *pgxpool.Pool, id int64) (domain.Loader, bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return domain.Loader{}, false, fmt.Errorf("scheduler: claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM loader WHERE id = $1
		FOR UPDATE SKIP LOCKED
	`, selectColumns), id)
	l, err := scanLoaderRow(row)
	if err == pgx.ErrNoRows {
		// another replica holds the lock, or the row no longer exists.
		return domain.Loader{}, false, nil
	}
	if err != nil {
		return domain.Loader{}, false, fmt.Errorf("scheduler: claim: select for update: %w", err)
	}

	if !l.IsEligible() {
		// raced with another claim, a pause, or an approval between the
		// candidate scan and this lock.
		return domain.Loader{}, false, nil
	}

	var runningCount int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM loader WHERE entity_code = $1 AND load_status = 'RUNNING'
	`, l.EntityCode).Scan(&runningCount)
	if err != nil {
		return domain.Loader{}, false, fmt.Errorf("scheduler: claim: parallelism check: %w", err)
	}
	if runningCount >= l.MaxParallelExecutions {
		return domain.Loader{}, false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE loader SET load_status = 'RUNNING' WHERE id = $1`, l.ID); err != nil {
		return domain.Loader{}, false, fmt.Errorf("scheduler: claim: set running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Loader{}, false, fmt.Errorf("scheduler: claim: commit: %w", err)
	}

	l.LoadStatus = domain.LoadStatusRunning
	return l, true, nil
}

// claimEligible runs one full sweep's claim phase: auto-recovery, then
// candidate scan, then a per-row locked claim attempt for each candidate.
func claimEligible(ctx context.Context, pool *pgxpool.Pool, now time.Time, maxClaimsPerSweep int, autoRecoverAfter time.Duration) ([]domain.Loader, error) {
	if _, err := recoverFailed(ctx, pool, now, autoRecoverAfter); err != nil {
		return nil, err
	}

	candidates, err := eligibleCandidates(ctx, pool, now, maxClaimsPerSweep)
	if err != nil {
		return nil, err
	}

	claimed := make([]domain.Loader, 0, len(candidates))
	for _, id := range candidates {
		l, ok, err := claimOne(ctx, pool, id)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, l)
		}
	}
	return claimed, nil
}
