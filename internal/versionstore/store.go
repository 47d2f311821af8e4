// Package versionstore is the persistent entity store for Loader rows
// (C6): find_active, find_draft, find_by_id, save, delete, and
// next_version_number. The scheduler's eligibility claim lives in
// internal/scheduler, not here. It relies on
// the two partial unique indexes created by internal/storage to enforce
// "at most one ACTIVE" and "at most one DRAFT-or-PENDING_APPROVAL" per
// entity_code atomically, rather than re-checking those invariants in Go.
package versionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// Store is the pgxpool-backed Version Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-bootstrapped *pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// FindActive returns the ACTIVE row for entity_code, or domain.ErrNotFound.
func (s *Store) FindActive(ctx context.Context, entityCode string) (domain.Loader, error) {
	return s.findOneWhere(ctx, s.pool, "entity_code = $1 AND version_status = 'ACTIVE'", entityCode)
}

// FindDraft returns the DRAFT-or-PENDING_APPROVAL row for entity_code, or
// domain.ErrNotFound.
func (s *Store) FindDraft(ctx context.Context, entityCode string) (domain.Loader, error) {
	return s.findOneWhere(ctx, s.pool, "entity_code = $1 AND version_status IN ('DRAFT', 'PENDING_APPROVAL')", entityCode)
}

// FindByID returns the row with the given surrogate id.
func (s *Store) FindByID(ctx context.Context, id int64) (domain.Loader, error) {
	return s.findOneWhere(ctx, s.pool, "id = $1", id)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// find/save/delete run either standalone or inside a caller's transaction
// (used by internal/approval for its atomic archive+promote).
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func (s *Store) findOneWhere(ctx context.Context, q querier, where string, arg any) (domain.Loader, error) {
	row := q.QueryRow(ctx, selectColumns+" FROM loader WHERE "+where, arg)
	l, err := scanLoader(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Loader{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Loader{}, fmt.Errorf("versionstore: find: %w", err)
	}
	return l, nil
}

const selectColumns = `SELECT
	id, entity_code, version_number, version_status, parent_version_id,
	source_db_ref, sql_text,
	min_interval_seconds, max_interval_seconds, max_query_period_seconds, max_parallel_executions,
	source_timezone_offset_hours,
	load_status, last_load_timestamp, last_success_timestamp, failed_since, consecutive_zero_record_runs,
	purge_strategy, enabled,
	created_by, created_at, modified_by, modified_at,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	change_type, change_summary, import_label`

func scanLoader(row pgx.Row) (domain.Loader, error) {
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

// NextVersionNumber returns max(version_number)+1 across loader and
// loader_archive for entity_code, or 1 if neither has a row.
func (s *Store) NextVersionNumber(ctx context.Context, entityCode string) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM (
			SELECT version_number FROM loader WHERE entity_code = $1
			UNION ALL
			SELECT version_number FROM loader_archive WHERE entity_code = $1
		) v
	`, entityCode).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("versionstore: next version number: %w", err)
	}
	return next, nil
}

// Save inserts a new row (ID == 0) or updates an existing one in place.
// Running inside tx lets callers (e.g. approval's Approve) compose it into
// a larger atomic transaction.
func (s *Store) Save(ctx context.Context, tx pgx.Tx, l *domain.Loader) error {
	var q querier = s.pool
	if tx != nil {
		q = tx
	}

	if l.ID == 0 {
		err := q.QueryRow(ctx, `
			INSERT INTO loader (
				entity_code, version_number, version_status, parent_version_id,
				source_db_ref, sql_text,
				min_interval_seconds, max_interval_seconds, max_query_period_seconds, max_parallel_executions,
				source_timezone_offset_hours,
				load_status, last_load_timestamp, last_success_timestamp, failed_since, consecutive_zero_record_runs,
				purge_strategy, enabled,
				created_by, created_at, modified_by, modified_at,
				approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
				change_type, change_summary, import_label
			) VALUES (
				$1, $2, $3, $4,
				$5, $6,
				$7, $8, $9, $10,
				$11,
				$12, $13, $14, $15, $16,
				$17, $18,
				$19, $20, $21, $22,
				$23, $24, $25, $26, $27,
				$28, $29, $30
			) RETURNING id
		`,
			l.EntityCode, l.VersionNumber, l.VersionStatus, l.ParentVersionID,
			l.SourceDBRef, []byte(l.SQLText),
			l.MinIntervalSeconds, l.MaxIntervalSeconds, l.MaxQueryPeriodSeconds, l.MaxParallelExecutions,
			l.SourceTimezoneOffsetHours,
			l.LoadStatus, l.LastLoadTimestamp, l.LastSuccessTimestamp, l.FailedSince, l.ConsecutiveZeroRecordRuns,
			l.PurgeStrategy, l.Enabled,
			l.CreatedBy, l.CreatedAt, l.ModifiedBy, l.ModifiedAt,
			l.ApprovedBy, l.ApprovedAt, l.RejectedBy, l.RejectedAt, l.RejectionReason,
			l.ChangeType, l.ChangeSummary, l.ImportLabel,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("versionstore: insert: %w", classifyWriteErr(err))
		}
		return nil
	}

	_, err := q.Exec(ctx, `
		UPDATE loader SET
			version_number = $2, version_status = $3, parent_version_id = $4,
			source_db_ref = $5, sql_text = $6,
			min_interval_seconds = $7, max_interval_seconds = $8, max_query_period_seconds = $9, max_parallel_executions = $10,
			source_timezone_offset_hours = $11,
			load_status = $12, last_load_timestamp = $13, last_success_timestamp = $14, failed_since = $15, consecutive_zero_record_runs = $16,
			purge_strategy = $17, enabled = $18,
			modified_by = $19, modified_at = $20,
			approved_by = $21, approved_at = $22, rejected_by = $23, rejected_at = $24, rejection_reason = $25,
			change_type = $26, change_summary = $27, import_label = $28
		WHERE id = $1
	`,
		l.ID,
		l.VersionNumber, l.VersionStatus, l.ParentVersionID,
		l.SourceDBRef, []byte(l.SQLText),
		l.MinIntervalSeconds, l.MaxIntervalSeconds, l.MaxQueryPeriodSeconds, l.MaxParallelExecutions,
		l.SourceTimezoneOffsetHours,
		l.LoadStatus, l.LastLoadTimestamp, l.LastSuccessTimestamp, l.FailedSince, l.ConsecutiveZeroRecordRuns,
		l.PurgeStrategy, l.Enabled,
		l.ModifiedBy, l.ModifiedAt,
		l.ApprovedBy, l.ApprovedAt, l.RejectedBy, l.RejectedAt, l.RejectionReason,
		l.ChangeType, l.ChangeSummary, l.ImportLabel,
	)
	if err != nil {
		return fmt.Errorf("versionstore: update: %w", classifyWriteErr(err))
	}
	return nil
}

// Delete removes a row by id, used by approval after archiving.
func (s *Store) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	var q querier = s.pool
	if tx != nil {
		q = tx
	}
	_, err := q.Exec(ctx, "DELETE FROM loader WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("versionstore: delete: %w", err)
	}
	return nil
}

// classifyWriteErr maps the partial-unique-index violations (§3.1
// invariants) onto domain.ErrIntegrityViolation so callers don't need to
// parse Postgres error codes themselves.
func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", domain.ErrIntegrityViolation, err)
	}
	return err
}

// ListActive returns every ACTIVE row matching the given filter, used by
// the control service's ListLoaders.
func (s *Store) ListActive(ctx context.Context, filter Filter) ([]domain.Loader, error) {
	query := selectColumns + ` FROM loader WHERE version_status = 'ACTIVE'`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND version_status = $%d", len(args))
	}
	if filter.EnabledOnly {
		query += " AND enabled = true"
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(" AND entity_code ILIKE $%d", len(args))
	}
	query += " ORDER BY entity_code"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("versionstore: list active: %w", err)
	}
	defer rows.Close()

	var out []domain.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, fmt.Errorf("versionstore: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Filter narrows ListLoaders/ListActive projections (spec.md §6: "filters:
// status, enabled, search").
type Filter struct {
	Status      domain.VersionStatus
	EnabledOnly bool
	Search      string
}

// WatermarkUpdate is the set of fields the executor is permitted to mutate
// on a RUNNING row (spec.md §3.3: "the Scheduler mutates only the
// load_status/watermark/failure/count fields of ACTIVE rows").
type WatermarkUpdate struct {
	LoadStatus                domain.LoadStatus
	LastLoadTimestamp         *time.Time
	LastSuccessTimestamp      *time.Time
	FailedSince               *time.Time
	ConsecutiveZeroRecordRuns int
}

// ApplyWatermarkUpdate persists the executor's post-run state transition
// for a single row, scoped to exactly the fields C4/C5 own.
func (s *Store) ApplyWatermarkUpdate(ctx context.Context, id int64, u WatermarkUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE loader SET
			load_status = $2,
			last_load_timestamp = $3,
			last_success_timestamp = $4,
			failed_since = $5,
			consecutive_zero_record_runs = $6
		WHERE id = $1
	`, id, u.LoadStatus, u.LastLoadTimestamp, u.LastSuccessTimestamp, u.FailedSince, u.ConsecutiveZeroRecordRuns)
	if err != nil {
		return fmt.Errorf("versionstore: apply watermark update: %w", err)
	}
	return nil
}
