// Package archivestore is the append-only history of superseded and
// rejected Loader versions (C8). Writes are idempotent on
// (entity_code, version_number), mirroring the teacher's idempotent-insert
// idiom in lake/api/config/postgres.go's migration statements.
package archivestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// Store is the pgxpool-backed Archive Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-bootstrapped *pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so approval can
// compose an archive insert into the same transaction as the promotion it
// is recording.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Append records a snapshot of l as archived and returns its archive_id,
// tolerating duplicate calls for the same (entity_code, version_number) via
// INSERT ... ON CONFLICT DO NOTHING RETURNING id with a fallback SELECT id
// when the insert is a no-op: a crash between archiving and deleting the
// live row must be safely retryable, and re-archiving the same
// (entity_code, version_number) must return the existing archive id
// (spec.md §4.8).
func (s *Store) Append(ctx context.Context, tx pgx.Tx, l domain.Loader, archivedBy, reason string) (int64, error) {
	var q querier = s.pool
	if tx != nil {
		q = tx
	}

	snapshot, err := json.Marshal(l)
	if err != nil {
		return 0, fmt.Errorf("archivestore: marshal snapshot: %w", err)
	}

	var id int64
	err = q.QueryRow(ctx, `
		INSERT INTO loader_archive (
			entity_code, version_number, snapshot, archived_by, archive_reason,
			rejected_by, rejected_at, rejection_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_code, version_number) DO NOTHING
		RETURNING id
	`, l.EntityCode, l.VersionNumber, snapshot, archivedBy, reason,
		nullableString(l.RejectedBy), l.RejectedAt, nullableString(l.RejectionReason)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("archivestore: append: %w", err)
	}

	err = q.QueryRow(ctx, `
		SELECT id FROM loader_archive WHERE entity_code = $1 AND version_number = $2
	`, l.EntityCode, l.VersionNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("archivestore: append: fallback select id: %w", err)
	}
	return id, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListHistory returns every archived version for entity_code, newest first.
func (s *Store) ListHistory(ctx context.Context, entityCode string) ([]domain.LoaderArchive, error) {
	return s.queryHistory(ctx, "entity_code = $1 ORDER BY version_number DESC", entityCode)
}

// ListRejected returns entity_code's archived versions that were rejected
// (rejected_by set), newest first (spec.md §4.8's "filter for rejected
// entries").
func (s *Store) ListRejected(ctx context.Context, entityCode string) ([]domain.LoaderArchive, error) {
	return s.queryHistory(ctx,
		"entity_code = $1 AND rejected_by IS NOT NULL ORDER BY version_number DESC", entityCode)
}

// FindByEntityCodeAndVersion returns the single archived snapshot for
// (entityCode, versionNumber), or domain.ErrNotFound.
func (s *Store) FindByEntityCodeAndVersion(ctx context.Context, entityCode string, versionNumber int64) (domain.LoaderArchive, error) {
	rows, err := s.queryHistory(ctx, "entity_code = $1 AND version_number = $2", entityCode, versionNumber)
	if err != nil {
		return domain.LoaderArchive{}, err
	}
	if len(rows) == 0 {
		return domain.LoaderArchive{}, domain.ErrNotFound
	}
	return rows[0], nil
}

// CountByEntityCode returns how many versions of entityCode have been
// archived.
func (s *Store) CountByEntityCode(ctx context.Context, entityCode string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loader_archive WHERE entity_code = $1`, entityCode).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("archivestore: count by entity_code: %w", err)
	}
	return count, nil
}

// Exists reports whether (entityCode, versionNumber) has already been
// archived.
func (s *Store) Exists(ctx context.Context, entityCode string, versionNumber int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM loader_archive WHERE entity_code = $1 AND version_number = $2)
	`, entityCode, versionNumber).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("archivestore: exists: %w", err)
	}
	return exists, nil
}

func (s *Store) queryHistory(ctx context.Context, where string, args ...any) ([]domain.LoaderArchive, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_code, version_number, snapshot, archived_by, archived_at,
		       archive_reason, rejected_by, rejected_at, rejection_reason
		FROM loader_archive
		WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("archivestore: query: %w", err)
	}
	defer rows.Close()

	var out []domain.LoaderArchive
	for rows.Next() {
		var a domain.LoaderArchive
		var snapshot []byte
		var rejectedBy *string
		var rejectionReason *string
		if err := rows.Scan(&a.ID, &a.EntityCode, &a.VersionNumber, &snapshot, &a.ArchivedBy, &a.ArchivedAt,
			&a.ArchiveReason, &rejectedBy, &a.RejectedAt, &rejectionReason); err != nil {
			return nil, fmt.Errorf("archivestore: scan: %w", err)
		}
		if rejectedBy != nil {
			a.RejectedBy = *rejectedBy
		}
		if rejectionReason != nil {
			a.RejectionReason = *rejectionReason
		}
		if err := json.Unmarshal(snapshot, &a.Snapshot); err != nil {
			return nil, fmt.Errorf("archivestore: unmarshal snapshot: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
