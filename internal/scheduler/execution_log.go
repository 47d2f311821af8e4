package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// executionLogEntry is one row of the execution_log table, the source for
// the control service's ListExecutions projection.
type executionLogEntry struct {
	ID            uuid.UUID
	EntityCode    string
	VersionNumber int64
	StartedAt     time.Time
	FinishedAt    time.Time
	FromTimestamp time.Time
	ToTimestamp   time.Time
	RowCount      int64
	Success       bool
	ErrorKind     domain.Kind
	ErrorMessage  string
}

func insertExecutionLog(ctx context.Context, pool *pgxpool.Pool, e executionLogEntry) error {
	var errorKind, errorMessage *string
	if !e.Success {
		k := string(e.ErrorKind)
		errorKind = &k
		errorMessage = &e.ErrorMessage
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO execution_log (
			id, entity_code, version_number, started_at, finished_at,
			from_timestamp, to_timestamp, row_count, success, error_kind, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.EntityCode, e.VersionNumber, e.StartedAt, e.FinishedAt,
		e.FromTimestamp, e.ToTimestamp, e.RowCount, e.Success, errorKind, errorMessage)
	if err != nil {
		return fmt.Errorf("scheduler: insert execution log: %w", err)
	}
	return nil
}

// listExecutions returns the most recent execution_log rows for entityCode,
// newest first, backing control.Service.ListExecutions.
func listExecutions(ctx context.Context, pool *pgxpool.Pool, entityCode string, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, entity_code, version_number, started_at, finished_at,
		       from_timestamp, to_timestamp, row_count, success, error_kind, error_message
		FROM execution_log
		WHERE entity_code = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, entityCode, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var id uuid.UUID
		var errorKind, errorMessage *string
		if err := rows.Scan(&id, &rec.EntityCode, &rec.VersionNumber, &rec.StartedAt, &rec.FinishedAt,
			&rec.FromTimestamp, &rec.ToTimestamp, &rec.RowCount, &rec.Success, &errorKind, &errorMessage); err != nil {
			return nil, fmt.Errorf("scheduler: scan execution: %w", err)
		}
		rec.ID = id.String()
		if errorKind != nil {
			rec.ErrorKind = domain.Kind(*errorKind)
		}
		if errorMessage != nil {
			rec.ErrorMessage = *errorMessage
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListExecutions is the exported entry point used by internal/control.
func ListExecutions(ctx context.Context, pool *pgxpool.Pool, entityCode string) ([]domain.ExecutionRecord, error) {
	return listExecutions(ctx, pool, entityCode, 100)
}
